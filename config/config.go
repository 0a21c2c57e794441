package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"registry-api"`
	Port                          int      `env:"PORT" env-default:"3010"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// PostgreSQL (Registry Database)
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"registry"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Graph Database (Memgraph projection of the canonical registry)
	GraphDBEnabled  bool   `env:"GRAPH_DB_ENABLED" env-default:"false"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Kafka Consumer (staged records from the source parsers)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string   `env:"KAFKA_INPUT_TOPIC" env-default:"staged-records"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" env-default:"registry-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`

	// Kafka Producer (entity lifecycle events)
	KafkaOutputTopic  string `env:"KAFKA_OUTPUT_TOPIC" env-default:"entity-events"`
	KafkaBatchSize    int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Geocoding provider
	GeocodeProviderURL         string        `env:"GEOCODE_PROVIDER_URL" env-default:"https://maps.googleapis.com/maps/api/geocode/json"`
	GeocodeAPIKey              string        `env:"GEOCODE_API_KEY" env-default:""`
	GeocodeRegionBias          string        `env:"GEOCODE_REGION_BIAS" env-default:"us"`
	GeocodeRequestsPerSecond   float64       `env:"GEOCODE_REQUESTS_PER_SECOND" env-default:"10"`
	GeocodeMaxAttempts         int           `env:"GEOCODE_MAX_ATTEMPTS" env-default:"3"`
	GeocodeTimeout             time.Duration `env:"GEOCODE_TIMEOUT" env-default:"5s"`
	GeocodeConfidenceThreshold float64       `env:"GEOCODE_CONFIDENCE_THRESHOLD" env-default:"0.6"`

	// Tracing
	TracingEnabled bool   `env:"TRACING_ENABLED" env-default:"false"`
	OTLPEndpoint   string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol   string `env:"OTLP_PROTOCOL" env-default:"grpc"`

	// Matching and merging
	MatchScanIntervalSeconds int     `env:"MATCH_SCAN_INTERVAL_SECONDS" env-default:"300"`
	MatchScanEnabled         bool    `env:"MATCH_SCAN_ENABLED" env-default:"true"`
	MatchBatchSize           int     `env:"MATCH_BATCH_SIZE" env-default:"200"`
	MatchMinScore            float64 `env:"MATCH_MIN_SCORE" env-default:"0.40"`
	MatchMaxPerEntity        int     `env:"MATCH_MAX_PER_ENTITY" env-default:"5"`
	AutoMergeEnabled         bool    `env:"AUTO_MERGE_ENABLED" env-default:"true"`
	AutoMergeNameSimilarity  float64 `env:"AUTO_MERGE_NAME_SIMILARITY" env-default:"0.90"`
}
