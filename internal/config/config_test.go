package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoad_MemoryDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("SERVICE_NAME", "")
	t.Setenv("DISPATCH_TRANSPORT", "")
	t.Setenv("INGEST_ENABLED", "")
	t.Setenv("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "meter-rule-engine", cfg.ServiceName)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, TransportLog, cfg.Dispatch.Transport)
	assert.False(t, cfg.NeedsRabbitMQ())
	assert.Equal(t, 10080, cfg.Validation.TimestampToleranceMinutes)
}

func TestLoad_RequiredSettings(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "postgres without url",
			env:     map[string]string{"STORE_DRIVER": "postgres"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"STORE_DRIVER": "sqlite"},
			wantErr: "STORE_DRIVER",
		},
		{
			name:    "ingest without rabbitmq",
			env:     map[string]string{"STORE_DRIVER": "memory", "INGEST_ENABLED": "true"},
			wantErr: "RABBITMQ_URL",
		},
		{
			name:    "amqp transport without rabbitmq",
			env:     map[string]string{"STORE_DRIVER": "memory", "DISPATCH_TRANSPORT": "amqp"},
			wantErr: "RABBITMQ_URL",
		},
		{
			name:    "kafka without brokers",
			env:     map[string]string{"STORE_DRIVER": "memory", "DISPATCH_TRANSPORT": "kafka"},
			wantErr: "KAFKA_BROKERS",
		},
		{
			name:    "unknown transport",
			env:     map[string]string{"STORE_DRIVER": "memory", "DISPATCH_TRANSPORT": "smtp"},
			wantErr: "DISPATCH_TRANSPORT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			t.Setenv("RABBITMQ_URL", "")
			t.Setenv("KAFKA_BROKERS", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DISPATCH_TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("INGEST_ENABLED", "true")
	t.Setenv("RABBITMQ_URL", "")

	_, err := Load()
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].Error(), "DATABASE_URL")
	assert.Contains(t, errs[1].Error(), "KAFKA_BROKERS")
	assert.Contains(t, errs[2].Error(), "RABBITMQ_URL")
}

func TestLoad_KafkaBrokersList(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DISPATCH_TRANSPORT", "Kafka")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportKafka, cfg.Dispatch.Transport)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestGetEnvHelpersFallBack(t *testing.T) {
	t.Setenv("SOME_INT", "x")
	t.Setenv("SOME_BOOL", "maybe")

	assert.Equal(t, 7, getEnvAsInt("SOME_INT", 7))
	assert.True(t, getEnvAsBool("SOME_BOOL", true))
	assert.Equal(t, "d", getEnv("UNSET_KEY_FOR_TEST", "d"))
}
