package present

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// Stream serves annotated frames to browsers as an MJPEG stream
type Stream struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	closed  bool
	log     zerolog.Logger
}

// NewStream returns an MJPEG stream sink
func NewStream(log zerolog.Logger) *Stream {
	return &Stream{
		clients: make(map[chan []byte]struct{}),
		log:     log.With().Str("component", "stream").Logger(),
	}
}

// Clients returns the number of connected clients
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Show implements Sink, frames are only encoded when a client is connected
func (s *Stream) Show(img *gocv.Mat) error {

	if s.Clients() == 0 {
		return nil
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *img)

	if err != nil {
		return err
	}

	// copy out of C memory before handing to the client goroutines
	data := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	s.Publish(data)

	return nil
}

// Publish sends a JPEG frame to every client.  Clients that have not consumed
// the previous frame skip this one.
func (s *Stream) Publish(jpeg []byte) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.clients {
		select {
		case ch <- jpeg:
		default:
			// client is slow, drop frame
		}
	}
}

// subscribe registers a new client
func (s *Stream) subscribe() (chan []byte, bool) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	ch := make(chan []byte, 1)
	s.clients[ch] = struct{}{}

	return ch, true
}

// unsubscribe removes a client
func (s *Stream) unsubscribe(ch chan []byte) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[ch]; ok {
		delete(s.clients, ch)
		close(ch)
	}
}

// ServeHTTP streams frames to the client until it disconnects or the stream
// is closed
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	ch, ok := s.subscribe()

	if !ok {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}

	defer s.unsubscribe(ch)

	s.log.Info().Str("remote", r.RemoteAddr).Msg("New client connection established")

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")

	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)

	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			s.log.Info().Str("remote", r.RemoteAddr).Msg("Client disconnected")
			return

		case jpeg, ok := <-ch:
			if !ok {
				return
			}

			w.Write([]byte("--frame\r\n"))
			w.Write([]byte("Content-Type: image/jpeg\r\n\r\n"))
			w.Write(jpeg)
			w.Write([]byte("\r\n"))

			if canFlush {
				flusher.Flush()
			}
		}
	}
}

// Close disconnects all clients
func (s *Stream) Close() error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	for ch := range s.clients {
		delete(s.clients, ch)
		close(ch)
	}

	return nil
}
