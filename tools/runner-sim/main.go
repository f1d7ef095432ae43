// runner-sim is a standalone job runner endpoint for local testing. It
// verifies request signatures, records every run it receives, and can
// simulate latency and failures.
//
// Environment:
//
//	ADDR       listen address (default ":9100")
//	SECRET     shared HMAC secret; empty skips verification
//	DELAY      artificial response delay, e.g. "500ms"
//	FAIL_EVERY fail every Nth run with a 500 (0 disables)
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type runRecord struct {
	Timestamp string `json:"timestamp"`
	JobID     string `json:"job_id"`
	TriggerID string `json:"trigger_id"`
	Body      string `json:"body"`
	Verified  bool   `json:"verified"`
	Failed    bool   `json:"failed"`
}

type stats struct {
	Count    int64       `json:"count"`
	Failed   int64       `json:"failed"`
	LastRuns []runRecord `json:"last_runs"`
	Since    string      `json:"since"`
}

var (
	mu        sync.Mutex
	count     int64
	failed    int64
	lastRuns  []runRecord
	since     time.Time
	maxStored = 50

	secret    string
	delay     time.Duration
	failEvery int64
)

func main() {
	since = time.Now().UTC()

	addr := ":9100"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret = os.Getenv("SECRET")
	if v := os.Getenv("DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid DELAY %q: %v", v, err)
		}
		delay = d
	}
	if v := os.Getenv("FAIL_EVERY"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &failEvery); err != nil {
			log.Fatalf("invalid FAIL_EVERY %q: %v", v, err)
		}
	}

	http.HandleFunc("/run", runHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		failed = 0
		lastRuns = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("runner-sim listening on %s (delay=%s, fail_every=%d, verify=%v)",
		addr, delay, failEvery, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func runHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	verified := true
	if secret != "" {
		verified = verifySignature(secret, body, r.Header.Get("X-Pipewise-Signature"))
		if !verified {
			log.Printf("run rejected: bad signature (job=%s)", r.Header.Get("X-Pipewise-Job-ID"))
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	mu.Lock()
	count++
	current := count
	shouldFail := failEvery > 0 && current%failEvery == 0
	if shouldFail {
		failed++
	}
	rec := runRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		JobID:     r.Header.Get("X-Pipewise-Job-ID"),
		TriggerID: r.Header.Get("X-Pipewise-Trigger-ID"),
		Body:      string(body),
		Verified:  verified,
		Failed:    shouldFail,
	}
	lastRuns = append(lastRuns, rec)
	if len(lastRuns) > maxStored {
		lastRuns = lastRuns[len(lastRuns)-maxStored:]
	}
	mu.Unlock()

	if shouldFail {
		log.Printf("run #%d: simulated failure (job=%s)", current, rec.JobID)
		http.Error(w, "simulated failure", http.StatusInternalServerError)
		return
	}

	log.Printf("run #%d: ok (job=%s, trigger=%s)", current, rec.JobID, rec.TriggerID)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"run":%d}`, current)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:    count,
		Failed:   failed,
		LastRuns: lastRuns,
		Since:    since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
