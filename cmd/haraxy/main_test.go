package main

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// mutexBytesBuffer lets concurrent goroutines (mainExecute's status loop vs. the test's own
// assertions) safely share one output buffer under -race.
type mutexBytesBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (t *mutexBytesBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.Write(p)
}

func (t *mutexBytesBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitForMainStarted(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mainStarted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("mainStarted was never set")
}

func waitForMainStopped(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mainStopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("mainStopped was never set")
}

// TestMainStartsServesAndStops starts a full mainExecute run alongside a local upstream server,
// issues one GET directly to that upstream, then asks mainExecute to shut down via SIGINT.
func TestMainStartsServesAndStops(t *testing.T) {
	upstream := &http.Server{Addr: "127.0.0.1:0"}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	upstream.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	go upstream.Serve(ln)
	defer upstream.Close()

	port := freePort(t)
	out := &mutexBytesBuffer{}
	errOut := &mutexBytesBuffer{}
	mainInit(out, errOut)

	args := []string{"haraxy", fmt.Sprintf("%d", port), "test-token"}

	done := make(chan int, 1)
	go func() { done <- mainExecute(args) }()

	waitForMainStarted(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", ln.Addr().(*net.TCPAddr).Port))
	if err == nil {
		resp.Body.Close()
	}

	stopMain()
	waitForMainStopped(t)

	ec := <-done
	if ec != 0 {
		t.Errorf("expected exit code 0, got %d: %s", ec, errOut.String())
	}
	if !strings.Contains(out.String(), "Starting HTTP") {
		t.Error("expected a Starting HTTP line, got:", out.String())
	}
	if !strings.Contains(out.String(), "Exiting after") {
		t.Error("expected an Exiting line, got:", out.String())
	}
}

// TestMainAcceptsPortOnlyNoServiceToken drives spec §8 end-to-end scenario 3 through the real
// binary: service-token is an optional positional (spec §6), so starting with only a port must
// succeed, and a request carrying no Service-Token header must then be rejected with a 500.
func TestMainAcceptsPortOnlyNoServiceToken(t *testing.T) {
	port := freePort(t)
	out := &mutexBytesBuffer{}
	errOut := &mutexBytesBuffer{}
	mainInit(out, errOut)

	args := []string{"haraxy", fmt.Sprintf("%d", port)}

	done := make(chan int, 1)
	go func() { done <- mainExecute(args) }()
	waitForMainStarted(t)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := make([]byte, 512)
	n, _ := resp.Body.Read(body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 for a request with no Service-Token and no startup default, got %d",
			resp.StatusCode)
	}
	if !strings.Contains(string(body[:n]), "Service-Token header missing") {
		t.Errorf("expected the missing-token error body, got %q", string(body[:n]))
	}

	stopMain()
	waitForMainStopped(t)

	ec := <-done
	if ec != 0 {
		t.Errorf("expected exit code 0, got %d: %s", ec, errOut.String())
	}
}

func TestMainRejectsWrongArgCount(t *testing.T) {
	out := &mutexBytesBuffer{}
	errOut := &mutexBytesBuffer{}
	mainInit(out, errOut)

	ec := mainExecute([]string{"haraxy", "8080", "token", "extra"})
	if ec == 0 {
		t.Error("expected non-zero exit code for too many positional arguments")
	}
	if !strings.Contains(errOut.String(), "positional arguments") {
		t.Error("expected an argument-count error, got:", errOut.String())
	}
}

func TestMainRejectsNoArgs(t *testing.T) {
	out := &mutexBytesBuffer{}
	errOut := &mutexBytesBuffer{}
	mainInit(out, errOut)

	ec := mainExecute([]string{"haraxy"})
	if ec == 0 {
		t.Error("expected non-zero exit code for a missing port argument")
	}
	if !strings.Contains(errOut.String(), "positional arguments") {
		t.Error("expected an argument-count error, got:", errOut.String())
	}
}

func TestMainRejectsNonNumericPort(t *testing.T) {
	out := &mutexBytesBuffer{}
	errOut := &mutexBytesBuffer{}
	mainInit(out, errOut)

	ec := mainExecute([]string{"haraxy", "not-a-port", "token"})
	if ec == 0 {
		t.Error("expected non-zero exit code for a non-numeric port")
	}
}

func TestUSR1TriggersStatusReport(t *testing.T) {
	out := &mutexBytesBuffer{}
	errOut := &mutexBytesBuffer{}
	mainInit(out, errOut)

	port := freePort(t)
	args := []string{"haraxy", fmt.Sprintf("%d", port), "test-token"}

	done := make(chan int, 1)
	go func() { done <- mainExecute(args) }()
	waitForMainStarted(t)

	stopChannel <- syscall.SIGUSR1
	time.Sleep(200 * time.Millisecond)
	stopMain()
	waitForMainStopped(t)
	<-done

	if !strings.Contains(out.String(), "User1") {
		t.Error("expected a User1-triggered status report, got:", out.String())
	}
}

func TestNextInterval(t *testing.T) {
	tt := []struct {
		now      time.Time
		interval time.Duration
		nextIn   time.Duration
	}{
		{time.Date(2019, 5, 7, 1, 1, 1, 0, time.UTC), time.Minute, time.Second * 59},
		{time.Date(2019, 5, 7, 1, 13, 58, 0, time.UTC), time.Minute * 15, time.Minute + time.Second*2},
		{time.Date(2019, 5, 7, 1, 1, 1, 0, time.UTC), time.Hour, time.Minute*58 + time.Second*59},
	}

	for tx, tc := range tt {
		t.Run(fmt.Sprintf("%d", tx), func(t *testing.T) {
			nextIn := nextInterval(tc.now, tc.interval)
			if nextIn != tc.nextIn {
				t.Errorf("now=%v interval=%v want=%v got=%v", tc.now, tc.interval, tc.nextIn, nextIn)
			}
		})
	}
}
