package config

import "time"

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"clover-api"`
	Port               int    `env:"PORT" env-default:"3006"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// PostgreSQL (price catalog database)
	DatabaseDriver              string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                string        `env:"DB_HOST" env-default:""`
	DatabasePort                string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName            string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword            string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                string        `env:"DB_NAME" env-default:"clover"`
	DatabaseSSLMode             string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns        int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns        int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime     time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion    int           `env:"DB_MIGRATION_VERSION" env-default:"0"`

	// Redis (dead letter queue for rejected envelopes)
	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
	DLQStream     string `env:"DLQ_STREAM" env-default:"clover:import:dlq"`
	DLQMaxLen     int64  `env:"DLQ_MAX_LEN" env-default:"10000"`

	// Kafka Consumer (raw price ingestion)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string   `env:"KAFKA_INPUT_TOPIC" env-default:"raw-prices"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" env-default:"clover-import"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`

	// Kafka Producer settings
	KafkaOutputTopic  string `env:"KAFKA_OUTPUT_TOPIC" env-default:"price-events"`
	KafkaAuditTopic   string `env:"KAFKA_AUDIT_TOPIC" env-default:"price-merge-audit"`
	KafkaBatchSize    int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Import pipeline
	ImportBatchCap          int           `env:"IMPORT_BATCH_CAP" env-default:"2000"`
	ImportPollTimeout       time.Duration `env:"IMPORT_POLL_TIMEOUT" env-default:"2s"`
	ImportCycleInterval     time.Duration `env:"IMPORT_CYCLE_INTERVAL" env-default:"3s"`
	SupportedSchemaVersions []string      `env:"SUPPORTED_SCHEMA_VERSIONS" env-default:"1.0,1.1"`

	// Reconciliation
	DefaultVatRate       float64 `env:"DEFAULT_VAT_RATE" env-default:"0.25"`
	ReconcileMaxAttempts int     `env:"RECONCILE_MAX_ATTEMPTS" env-default:"0"` // 0 = keep retrying

	// Orchestration
	OrchestratorWorkerCount int           `env:"ORCHESTRATOR_WORKER_COUNT" env-default:"4"`
	OrchestratorAskTimeout  time.Duration `env:"ORCHESTRATOR_ASK_TIMEOUT" env-default:"30s"`

	// Schedule runner
	SchedulePollInterval time.Duration `env:"SCHEDULE_POLL_INTERVAL" env-default:"30s"`
	ScheduleAckTimeout   time.Duration `env:"SCHEDULE_ACK_TIMEOUT" env-default:"5m"`

	// Channel broadcast map, entries of the form store:channel
	BroadcastChannels []string `env:"BROADCAST_CHANNELS" env-default:""`
}
