package main

import "github.com/migadu/mailflow/config"

// newDefaultConfig returns the application defaults. These appear in
// -help output and are the base that the TOML file and command-line
// flags override, in that order.
func newDefaultConfig() config.Config {
	return config.Config{
		Logging: config.LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: config.DatabaseConfig{
			Write: &config.DatabaseEndpointConfig{
				Hosts: []string{"localhost"},
				Port:  "5432",
				User:  "mailflow",
				Name:  "mailflow",
			},
		},
		AI: config.AIConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			MaxRetries: 3,
		},
		Gmail: config.GmailConfig{
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
		},
		Execution: config.ExecutionConfig{
			AutoExecute: true,
		},
		PlanStore: config.PlanStoreConfig{
			MaxSize: 10000,
		},
		Scheduler: config.SchedulerConfig{
			Start:       true,
			BatchSize:   50,
			Concurrency: 5,
		},
		LocalQueue: config.LocalQueueConfig{
			Path:        "mailflow-queue.db",
			Concurrency: 3,
		},
		DispatchQueue: config.DispatchQueueConfig{
			PerUserParallel: 1,
			BatchChunkSize:  25,
			Concurrency:     10,
			MaxAttempts:     5,
		},
		HTTPAPI: config.HTTPAPIConfig{
			Addr: ":8080",
		},
	}
}
