package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderExposesOutcomes(t *testing.T) {
	r := NewRecorder()
	r.Observe("reference", "verified", 300*time.Millisecond)
	r.Observe("reference", "reference_unavailable", 10*time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`face_verify_verifications_total{mode="reference",outcome="verified"} 1`,
		`face_verify_verifications_total{mode="reference",outcome="reference_unavailable"} 1`,
		`face_verify_verification_duration_seconds_count{mode="reference"} 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in scrape output", want)
		}
	}
}
