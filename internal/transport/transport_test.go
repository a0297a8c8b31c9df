package transport_test

import (
	"compress/zlib"
	"net"
	"testing"
	"time"

	"github.com/quietloop/xmppstream/internal/transport"
)

func pipeTransport(t *testing.T) (*transport.Transport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	tr, err := transport.Open(func(network, addr string) (net.Conn, error) {
		return client, nil
	}, "tcp", "ignored", nil)
	if err != nil {
		t.Fatalf("Open = %v", err)
	}
	return tr, server
}

func TestTransportPlainReadWrite(t *testing.T) {
	tr, server := pipeTransport(t)
	defer tr.ForceClose()
	defer server.Close()

	go func() {
		_, _ = tr.Writer().Write([]byte("hello"))
	}()

	buf := make([]byte, 5)
	server.SetReadDeadline(time.Now().Add(time.Second))
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("server.Read = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("read %q, want hello", buf[:n])
	}
}

// TestTransportStreamCompressionRoundTrip verifies that after
// EnableStreamCompression, bytes written through the transport's writer
// arrive at the peer as a valid zlib stream (what XEP-0138 requires), by
// decoding them with the standard library's own zlib reader on the other
// end of a net.Pipe.
func TestTransportStreamCompressionRoundTrip(t *testing.T) {
	tr, server := pipeTransport(t)
	defer tr.ForceClose()
	defer server.Close()

	if err := tr.EnableStreamCompression(); err != nil {
		t.Fatalf("EnableStreamCompression = %v", err)
	}
	if !tr.Compressed() {
		t.Fatal("Compressed() = false after EnableStreamCompression")
	}

	decoded := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		zr, err := zlib.NewReader(server)
		if err != nil {
			errs <- err
			return
		}
		buf := make([]byte, len("compressed payload"))
		n, err := zr.Read(buf)
		if err != nil && n == 0 {
			errs <- err
			return
		}
		decoded <- string(buf[:n])
	}()

	if _, err := tr.Writer().Write([]byte("compressed payload")); err != nil {
		t.Fatalf("Write = %v", err)
	}

	select {
	case got := <-decoded:
		if got != "compressed payload" {
			t.Fatalf("decoded %q, want %q", got, "compressed payload")
		}
	case err := <-errs:
		t.Fatalf("server-side zlib decode: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded payload")
	}
}

func TestTransportForceCloseIdempotent(t *testing.T) {
	tr, server := pipeTransport(t)
	defer server.Close()

	if err := tr.ForceClose(); err != nil {
		t.Fatalf("first ForceClose = %v", err)
	}
	if err := tr.ForceClose(); err != nil {
		t.Fatalf("second ForceClose = %v", err)
	}
}

func TestTransportSecureAndCompressedDefaults(t *testing.T) {
	tr, server := pipeTransport(t)
	defer tr.ForceClose()
	defer server.Close()

	if tr.Secure() {
		t.Error("Secure() = true before EnableTLS")
	}
	if tr.Compressed() {
		t.Error("Compressed() = true before EnableStreamCompression")
	}
	if tr.TLSState() != nil {
		t.Error("TLSState() != nil before EnableTLS")
	}
}
