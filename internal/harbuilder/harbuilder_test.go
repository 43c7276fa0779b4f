package harbuilder

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildProducesHARShapedEnvelope(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := ArchiveInput{
		Method:          http.MethodGet,
		URL:             "http://httpbin.test/get",
		RequestHeaders:  http.Header{"Accept": {"*/*"}},
		RequestBodyLen:  0,
		StatusCode:      200,
		ResponseHeaders: http.Header{"Content-Type": {"application/json"}},
		ResponseBodyLen: 42,
		ClientIP:        "203.0.113.5",
		ServerIP:        "203.0.113.7",
		Timings:         Timings{SendMs: 1, WaitMs: 12, ReceiveMs: 3},
		StartedDateTime: started,
	}

	message, id, err := Build("T1", in)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(message), &decoded))

	require.Equal(t, "T1", decoded["serviceToken"])
	require.Equal(t, "203.0.113.7", decoded["serverIPAddress"])
	require.Equal(t, "203.0.113.5", decoded["clientIPAddress"])
	require.Equal(t, "2026-01-02T03:04:05Z", decoded["startedDateTime"])

	response := decoded["response"].(map[string]interface{})
	require.Equal(t, float64(42), response["bodySize"])
	require.Equal(t, float64(200), response["status"])

	timings := decoded["timings"].(map[string]interface{})
	require.Equal(t, float64(1), timings["send"])
	require.Equal(t, float64(12), timings["wait"])
	require.Equal(t, float64(3), timings["receive"])
}

func TestBuildRecordsResolutionErrorAndClampsNegativeTimings(t *testing.T) {
	in := ArchiveInput{
		Method:          http.MethodGet,
		URL:             "http://unresolvable.test/",
		ServerIP:        "<error>",
		Timings:         Timings{SendMs: -5, WaitMs: 0, ReceiveMs: 0},
		StartedDateTime: time.Now(),
	}

	message, _, err := Build("T1", in)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(message), &decoded))
	require.Equal(t, "<error>", decoded["serverIPAddress"])

	timings := decoded["timings"].(map[string]interface{})
	require.Equal(t, float64(0), timings["send"])
}

func TestBuildIsPureAndDoesNotMutateInput(t *testing.T) {
	headers := http.Header{"Service-Token": {"should-not-be-here"}}
	in := ArchiveInput{RequestHeaders: headers, StartedDateTime: time.Now()}

	_, _, err := Build("T1", in)
	require.NoError(t, err)
	require.Len(t, headers, 1) // Build must not mutate the caller's headers
}
