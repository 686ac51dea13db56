package redis

import (
	"bytes"
	"testing"
)

func FuzzParse(f *testing.F) {
	f.Add([]byte("+OK\r\n"))
	f.Add([]byte("-ERR x\r\n"))
	f.Add([]byte(":12\r\n"))
	f.Add([]byte("$3\r\nfoo\r\n"))
	f.Add([]byte("$-1\r\n"))
	f.Add([]byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	f.Add([]byte("*-1\r\n"))
	f.Add([]byte("ping\r\n"))
	f.Add([]byte("*2\r\n$3\r\nGET\r\n$300\r\nfoo\r\n"))
	f.Add([]byte("$99999999999\r\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, n, err := Parse(data)
		if err != nil {
			return
		}
		if msg == nil {
			if n != 0 {
				t.Fatalf("need-more-bytes must consume nothing, got %d", n)
			}
			return
		}
		if n <= 0 || n > len(data) {
			t.Fatalf("consumed %d of %d", n, len(data))
		}
		// a decoded frame re-encodes byte-identical
		if !bytes.Equal(msg.Raw(), data[:n]) {
			t.Fatalf("encode mismatch: %q vs %q", msg.Raw(), data[:n])
		}
	})
}

func FuzzDecodeCmd(f *testing.F) {
	f.Add([]byte("*2\r\n$3\r\nget\r\n$3\r\nfoo\r\n"))
	f.Add([]byte("*3\r\n$4\r\nMGET\r\n$1\r\na\r\n$1\r\nb\r\n"))
	f.Add([]byte("*1\r\n$4\r\nPING\r\n"))
	f.Add([]byte("quit\r\n"))
	f.Add([]byte("*2\r\n$7\r\nCLUSTER\r\n$5\r\nslots\r\n"))

	info := ProxyInfo{IP: "127.0.0.1", Port: "6379"}
	f.Fuzz(func(t *testing.T, data []byte) {
		msg, _, err := Parse(data)
		if err != nil || msg == nil {
			return
		}
		cmd := decodeCmd(msg, info)
		if cmd == nil {
			t.Fatal("decodeCmd returned nil for a parsed message")
		}
		if cmd.IsDone() && len(cmd.Subs()) == 0 {
			var buf bytes.Buffer
			_ = cmd.writeReply(&buf)
		}
	})
}
