package present

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitClients(t *testing.T, s *Stream, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for s.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("stream has %d clients, want %d", s.Clients(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamMultipart(t *testing.T) {

	s := NewStream(zerolog.Nop())
	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)

	if err != nil {
		t.Fatal(err)
	}

	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("content type %q", ct)
	}

	waitClients(t, s, 1)

	jpeg := []byte{0xff, 0xd8, 'p', 'o', 's', 'e', 0xff, 0xd9}
	s.Publish(jpeg)

	want := append([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"), jpeg...)
	want = append(want, '\r', '\n')

	got := make([]byte, len(want))

	if _, err := io.ReadFull(bufio.NewReader(resp.Body), got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	// client disconnect removes the subscriber
	cancel()
	waitClients(t, s, 0)
}

func TestStreamClose(t *testing.T) {

	s := NewStream(zerolog.Nop())
	srv := httptest.NewServer(s)
	defer srv.Close()

	done := make(chan error, 1)

	go func() {
		resp, err := http.Get(srv.URL)

		if err != nil {
			done <- err
			return
		}

		defer resp.Body.Close()
		_, err = io.ReadAll(resp.Body)
		done <- err
	}()

	waitClients(t, s, 1)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client still connected after Close")
	}

	// new clients are refused
	resp, err := http.Get(srv.URL)

	if err != nil {
		t.Fatal(err)
	}

	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d after Close", resp.StatusCode)
	}
}
