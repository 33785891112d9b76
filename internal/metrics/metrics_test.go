package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	// Reset metrics for test isolation
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("openai", "gpt-4", "success", 1.5)

	// Verify counter was incremented
	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("openai", "gpt-4", "success"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("gpt-4", 100, 50)

	inputCount := testutil.ToFloat64(TokensTotal.WithLabelValues("gpt-4", "input"))
	if inputCount != 100 {
		t.Errorf("input tokens = %v, want 100", inputCount)
	}

	outputCount := testutil.ToFloat64(TokensTotal.WithLabelValues("gpt-4", "output"))
	if outputCount != 50 {
		t.Errorf("output tokens = %v, want 50", outputCount)
	}
}

func TestRecordAttempts(t *testing.T) {
	AttemptsPerRequest.Reset()

	RecordAttempts("openai", 2)
	RecordAttempts("openai", 1)

	if n := testutil.CollectAndCount(AttemptsPerRequest); n != 1 {
		t.Errorf("AttemptsPerRequest series count = %v, want 1", n)
	}
}

func TestRecordCacheHit(t *testing.T) {
	CacheHits.Reset()

	RecordCacheHit("openai")
	RecordCacheHit("openai")

	hits := testutil.ToFloat64(CacheHits.WithLabelValues("openai"))
	if hits != 2 {
		t.Errorf("CacheHits = %v, want 2", hits)
	}
}

func TestRecordCacheMiss(t *testing.T) {
	CacheMisses.Reset()

	RecordCacheMiss("openai")

	misses := testutil.ToFloat64(CacheMisses.WithLabelValues("openai"))
	if misses != 1 {
		t.Errorf("CacheMisses = %v, want 1", misses)
	}
}

func TestRecordUpstreamError(t *testing.T) {
	UpstreamErrors.Reset()

	RecordUpstreamError("key1...abcd", "transient_upstream")
	RecordUpstreamError("key1...abcd", "quota_exceeded")
	RecordUpstreamError("key1...abcd", "transient_upstream")

	transient := testutil.ToFloat64(UpstreamErrors.WithLabelValues("key1...abcd", "transient_upstream"))
	if transient != 2 {
		t.Errorf("transient_upstream errors = %v, want 2", transient)
	}

	quota := testutil.ToFloat64(UpstreamErrors.WithLabelValues("key1...abcd", "quota_exceeded"))
	if quota != 1 {
		t.Errorf("quota_exceeded errors = %v, want 1", quota)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	RateLimitHits.Reset()

	RecordRateLimitHit("client1")

	hits := testutil.ToFloat64(RateLimitHits.WithLabelValues("client1"))
	if hits != 1 {
		t.Errorf("RateLimitHits = %v, want 1", hits)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("key1...abcd", 0) // closed
	state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("key1...abcd"))
	if state != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", state)
	}

	SetCircuitBreakerState("key1...abcd", 2) // open
	state = testutil.ToFloat64(CircuitBreakerState.WithLabelValues("key1...abcd"))
	if state != 2 {
		t.Errorf("CircuitBreakerState = %v, want 2", state)
	}
}

func TestSetCredentialState(t *testing.T) {
	CredentialState.Reset()

	SetCredentialState("key1...abcd", 1) // cooling
	state := testutil.ToFloat64(CredentialState.WithLabelValues("key1...abcd"))
	if state != 1 {
		t.Errorf("CredentialState = %v, want 1", state)
	}
}

func TestRecordPoolExhausted(t *testing.T) {
	PoolExhaustedTotal.Reset()

	RecordPoolExhausted("no_healthy_credential")
	RecordPoolExhausted("no_healthy_credential")

	count := testutil.ToFloat64(PoolExhaustedTotal.WithLabelValues("no_healthy_credential"))
	if count != 2 {
		t.Errorf("PoolExhaustedTotal = %v, want 2", count)
	}
}

func TestActiveStreams(t *testing.T) {
	// Initialize instance metrics for testing
	InitInstanceMetrics("test-pod", "test-ns", "0.6.0")

	ActiveStreams.Reset()

	IncrementActiveStreams()
	IncrementActiveStreams()

	streams := testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod"))
	if streams != 2 {
		t.Errorf("ActiveStreams = %v, want 2", streams)
	}

	DecrementActiveStreams()
	streams = testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod"))
	if streams != 1 {
		t.Errorf("ActiveStreams after dec = %v, want 1", streams)
	}
}

func TestMultipleSurfaces(t *testing.T) {
	RequestsTotal.Reset()

	RecordRequest("openai", "gpt-4", "success", 1.0)
	RecordRequest("native", "gemini-1.5-pro", "success", 2.0)
	RecordRequest("openai", "gpt-4", "error", 0.5)

	openaiSuccess := testutil.ToFloat64(RequestsTotal.WithLabelValues("openai", "gpt-4", "success"))
	if openaiSuccess != 1 {
		t.Errorf("openai success = %v, want 1", openaiSuccess)
	}

	openaiError := testutil.ToFloat64(RequestsTotal.WithLabelValues("openai", "gpt-4", "error"))
	if openaiError != 1 {
		t.Errorf("openai error = %v, want 1", openaiError)
	}

	nativeSuccess := testutil.ToFloat64(RequestsTotal.WithLabelValues("native", "gemini-1.5-pro", "success"))
	if nativeSuccess != 1 {
		t.Errorf("native success = %v, want 1", nativeSuccess)
	}
}
