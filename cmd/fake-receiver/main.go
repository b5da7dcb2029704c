package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/config"
	"github.com/RamonSouzaHeavens/azera-crm-sub000/internal/signing"
)

// fake-receiver is a local webhook endpoint for exercising the
// dispatcher end to end: it verifies signatures, optionally fails the
// first N requests to drive the retry path, and can delay responses to
// trip the delivery timeout.

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv()
	rc := cfg.FakeReceiver

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", hookHandler(cfg.Signing, rc))

	srv := &http.Server{
		Addr:         rc.Port,
		Handler:      mux,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		IdleTimeout:  rc.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", rc.Port)
	log.Fatal(srv.ListenAndServe())
}

func hookHandler(sig config.Signing, rc config.FakeReceiver) http.HandlerFunc {
	leeway := time.Duration(rc.LeewaySeconds) * time.Second
	return func(w http.ResponseWriter, r *http.Request) {
		n := reqCount.Add(1)
		b, _ := io.ReadAll(r.Body)
		defer r.Body.Close()

		if rc.ResponseDelayMS > 0 {
			time.Sleep(time.Duration(rc.ResponseDelayMS) * time.Millisecond)
		}

		if rc.Secret != "" {
			ts := r.Header.Get(sig.TimestampHeader)
			if ok, msg := verify(rc.Secret, b, ts, r.Header.Get(sig.SignatureHeader), leeway); !ok {
				log.Printf("fake-receiver rejected signature: %s", msg)
				http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
				return
			}
		}

		// Simulate flakiness: first N requests -> 500
		if n <= int64(rc.FailFirstN) {
			log.Printf("FAILING (%d/%d) %s body=%s", n, rc.FailFirstN, r.URL.Path, truncate(string(b), 160))
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}

		log.Printf("fake-receiver OK %s body=%q", r.URL.Path, truncate(string(b), 160))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}
}

func verify(secret string, body []byte, ts, sigVal string, leeway time.Duration) (bool, string) {
	if ts == "" || sigVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	now := time.Now().Unix()
	if abs64(now-unix) > int64(leeway.Seconds()) {
		return false, "timestamp too far from now (outside leeway)"
	}
	if !signing.Verify(secret, body, ts, sigVal) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
