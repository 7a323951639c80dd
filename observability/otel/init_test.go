package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "dnseed"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken,=x, tenant=seed ")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "seed"}, got)
}
