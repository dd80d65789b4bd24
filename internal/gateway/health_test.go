package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthRecordsFold(t *testing.T) {
	records := healthRecords([]WorkerSnapshot{
		{CameraID: "CCTV_01", Variant: VariantHLS, State: "STARTING"},
		{CameraID: "CCTV_01", Variant: VariantMPEGTS, State: "RUNNING"},
		{CameraID: "CCTV_02", Variant: VariantMPEGTS, State: "ERROR", Message: "Max restart attempts reached"},
		{CameraID: "CCTV_03", Variant: VariantMPEGTS, State: "STOPPING"},
	})

	require.Len(t, records, 3)
	assert.Equal(t, HealthRecord{CameraID: "CCTV_01", Status: "ONLINE"}, records[0])
	assert.Equal(t, HealthRecord{CameraID: "CCTV_02", Status: "ERROR", Message: "Max restart attempts reached"}, records[1])
	assert.Equal(t, HealthRecord{CameraID: "CCTV_03", Status: "OFFLINE"}, records[2])
}

func TestHealthRecordsHLSOnlyCamera(t *testing.T) {
	records := healthRecords([]WorkerSnapshot{
		{CameraID: "CCTV_01", Variant: VariantHLS, State: "RUNNING"},
	})
	require.Len(t, records, 1)
	assert.Equal(t, "ONLINE", records[0].Status)
}

func TestReporterPostsBatchWithSecret(t *testing.T) {
	type received struct {
		secret string
		body   map[string][]HealthRecord
	}
	got := make(chan received, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]HealthRecord
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- received{secret: r.Header.Get(GatewaySecretHeader), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	run := &fakeRunner{}
	sup, _ := newTestSupervisor(t, run, Options{})
	_, _, err := sup.Attach("CCTV_01", "v1")
	require.NoError(t, err)

	rep := NewReporter(sup, ts.URL, "s3cret", time.Second, nil, zerolog.Nop())
	require.NoError(t, rep.reportOnce(context.Background()))

	select {
	case r := <-got:
		assert.Equal(t, "s3cret", r.secret)
		require.Len(t, r.body["reports"], 1)
		assert.Equal(t, "CCTV_01", r.body["reports"][0].CameraID)
	case <-time.After(time.Second):
		t.Fatal("no health callback received")
	}
}

func TestReporterSurvivesCallbackFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sup, _ := newTestSupervisor(t, &fakeRunner{}, Options{})
	_, _, err := sup.Attach("CCTV_01", "v1")
	require.NoError(t, err)

	rep := NewReporter(sup, ts.URL, "", time.Second, nil, zerolog.Nop())
	assert.Error(t, rep.reportOnce(context.Background()))
}

func TestReporterSkipsEmptySnapshot(t *testing.T) {
	sup, _ := newTestSupervisor(t, &fakeRunner{}, Options{})
	rep := NewReporter(sup, "http://unreachable.invalid/callback", "", time.Second, nil, zerolog.Nop())
	assert.NoError(t, rep.reportOnce(context.Background()))
}
