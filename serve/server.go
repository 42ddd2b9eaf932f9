package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	neuralguard "github.com/Paranoid-AF/neuralguard"
)

// Detector classifies a single text.
type Detector interface {
	Detect(text string) (*neuralguard.Result, error)
}

var (
	errInvalidJSON = errors.New("invalid JSON input")
	errNotObject   = errors.New("request must be a JSON object")
)

// outcome is the result of handling one input line. The loop writes reply
// when it is set and logs err when it is set; both may be empty (blank line).
type outcome struct {
	reply any
	err   error
}

// Server answers line-delimited JSON requests one at a time.
type Server struct {
	detector Detector
	logger   *slog.Logger
}

// NewServer creates a server that classifies with d and writes diagnostics to logger.
func NewServer(d Detector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{detector: d, logger: logger}
}

// Serve writes the readiness signal, then reads requests from in and writes one
// response line per request to out until in is exhausted. Every line is flushed
// before the next request is read. It returns nil on EOF and an error only when
// reading or writing fails.
func (s *Server) Serve(in io.Reader, out io.Writer) error {
	w := bufio.NewWriter(out)
	if err := writeLine(w, neuralguard.Status{Status: neuralguard.StatusReady}); err != nil {
		return fmt.Errorf("write readiness: %w", err)
	}

	r := bufio.NewReader(in)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			o := s.handleLine(line)
			s.report(o)
			if o.reply != nil {
				if err := s.respond(w, o.reply); err != nil {
					return fmt.Errorf("write response: %w", err)
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read request: %w", readErr)
		}
	}
}

func (s *Server) handleLine(line []byte) (o outcome) {
	if len(bytes.TrimSpace(line)) == 0 {
		return outcome{}
	}

	s.logger.Debug("request", "data", string(bytes.TrimRight(line, "\r\n")))

	// Malformed JSON is logged only; nothing is written to stdout.
	if !json.Valid(line) {
		return outcome{err: errInvalidJSON}
	}

	text, err := requestText(line)
	if err != nil {
		return failed(err)
	}
	if text == "" {
		return outcome{reply: neuralguard.ErrorResponse{Error: neuralguard.ErrNoText}}
	}

	defer func() {
		if r := recover(); r != nil {
			o = failed(fmt.Errorf("inference panic: %v", r))
		}
	}()

	res, err := s.detector.Detect(text)
	if err != nil {
		return failed(err)
	}
	return outcome{reply: res}
}

// requestText extracts the text field of a request line. Empty values of any
// JSON type (null, "", 0, false, [] or {}) yield "" so they are answered as
// missing text. Other non-string values are an error.
func requestText(line []byte) (string, error) {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(line, &req); err != nil || req == nil {
		return "", errNotObject
	}
	raw, ok := req["text"]
	if !ok {
		return "", nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		if !v {
			return "", nil
		}
	case float64:
		if v == 0 {
			return "", nil
		}
	case []any:
		if len(v) == 0 {
			return "", nil
		}
	case map[string]any:
		if len(v) == 0 {
			return "", nil
		}
	}
	return "", fmt.Errorf("text must be a string, got %s", raw)
}

// failed reports err on stderr and to the client.
func failed(err error) outcome {
	return outcome{reply: neuralguard.ErrorResponse{Error: err.Error()}, err: err}
}

func (s *Server) report(o outcome) {
	switch {
	case o.err == nil:
	case errors.Is(o.err, errInvalidJSON):
		s.logger.Warn("invalid JSON input")
	default:
		s.logger.Error("error processing request", "error", o.err)
	}
	if o.reply != nil {
		s.logger.Debug("response", "data", o.reply)
	}
}

// respond writes reply, or an error response when reply cannot be encoded.
func (s *Server) respond(w *bufio.Writer, reply any) error {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("error processing request", "error", err)
		data, err = json.Marshal(neuralguard.ErrorResponse{Error: err.Error()})
		if err != nil {
			return err
		}
	}
	return writeData(w, data)
}

func writeLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeData(w, data)
}

func writeData(w *bufio.Writer, data []byte) error {
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.Flush()
}
