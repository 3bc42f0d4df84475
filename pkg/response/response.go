package response

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ChunkSize is the buffer size used when streaming a cached file.
const ChunkSize = 1024

// ErrorPage returns the full HTTP/1.0 reply for kind, headers included.
func ErrorPage(kind Kind) []byte {
	p := kind.page()
	title := kind.String()
	body := "<HTML><HEAD><TITLE>" + title + "</TITLE></HEAD>\r\n" +
		"<BODY><H4>" + title + "</H4>\r\n" +
		p.notice + "\r\n" +
		"</BODY></HTML>\r\n"

	var b strings.Builder
	b.WriteString("HTTP/1.0 " + title + "\r\n")
	b.WriteString("Content-Type: text/html\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// WriteError writes the canned reply for kind to w.
func WriteError(w io.Writer, kind Kind) (int, error) {
	return w.Write(ErrorPage(kind))
}

// FileHeader returns the reply header for a cached file of the given size.
// The Content-Type line is omitted when name has no known extension.
func FileHeader(name string, size int64) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.0 200 OK\r\nContent-Length: %d\r\n", size)
	if ct := ContentType(name); ct != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
	}
	b.WriteString("Connection: close\r\n\r\n")
	return []byte(b.String())
}

// WriteFile writes a 200 reply whose body is size bytes read from r. It
// returns the header and body byte counts. The body is streamed in
// ChunkSize pieces; a short file is reported as io.ErrUnexpectedEOF.
func WriteFile(w io.Writer, name string, r io.Reader, size int64) (header int, body int64, err error) {
	header, err = w.Write(FileHeader(name, size))
	if err != nil {
		return header, 0, fmt.Errorf("write header: %w", err)
	}
	buf := make([]byte, ChunkSize)
	body, err = io.CopyBuffer(w, io.LimitReader(r, size), buf)
	if err != nil {
		return header, body, fmt.Errorf("write body: %w", err)
	}
	if body < size {
		return header, body, fmt.Errorf("write body: %w", io.ErrUnexpectedEOF)
	}
	return header, body, nil
}
