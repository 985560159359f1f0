package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

type wireMode int

const (
	wireModeFramed wireMode = iota
	wireModeJSONLine
)

const contentLengthHeader = "content-length:"

// wire reads Content-Length framed or newline-delimited JSON-RPC messages.
type wire struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newWire(in io.Reader, out io.Writer) *wire {
	return &wire{r: bufio.NewReader(in), w: bufio.NewWriter(out)}
}

func (c *wire) read() ([]byte, wireMode, error) {
	return readMessage(c.r)
}

func (c *wire) write(msg response, mode wireMode) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if mode == wireModeJSONLine {
		payload = append(payload, '\n')
	} else if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func readMessage(r *bufio.Reader) ([]byte, wireMode, error) {
	if err := skipSpace(r); err != nil {
		return nil, wireModeFramed, err
	}
	peek, err := r.Peek(len(contentLengthHeader))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, wireModeFramed, err
	}
	if strings.EqualFold(string(peek), contentLengthHeader) {
		payload, err := readFramed(r)
		return payload, wireModeFramed, err
	}
	payload, err := readLine(r)
	return payload, wireModeJSONLine, err
}

func skipSpace(r *bufio.Reader) error {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return err
		}
		if !unicode.IsSpace(rune(b[0])) {
			return nil
		}
		_, _ = r.ReadByte()
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

func readFramed(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length: %w", err)
		}
		length = n
	}
	if length <= 0 {
		return nil, errors.New("missing or invalid Content-Length")
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
