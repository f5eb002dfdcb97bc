package seal

import (
	"bytes"
	"crypto/md5" //nolint:gosec // part of the wire protocol
	"errors"
	"io"
	"testing"

	"github.com/philsphicas/tunl/internal/protocol"
)

var (
	testKey = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	testIV  = [16]byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
)

var allSecurities = []protocol.Security{
	protocol.SecurityLegacy,
	protocol.SecurityAES128GCM,
	protocol.SecurityChaCha20Poly1305,
	protocol.SecurityNone,
	protocol.SecurityZero,
}

func pair(t *testing.T, sec protocol.Security) (Authenticator, Authenticator) {
	t.Helper()
	s, err := New(sec, testKey, testIV)
	if err != nil {
		t.Fatalf("New(%s): %v", sec, err)
	}
	o, err := New(sec, testKey, testIV)
	if err != nil {
		t.Fatalf("New(%s): %v", sec, err)
	}
	return s, o
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	payloads := [][]byte{{}, []byte("x"), bytes.Repeat([]byte("frame"), 1000)}
	for _, sec := range allSecurities {
		t.Run(sec.String(), func(t *testing.T) {
			sealer, opener := pair(t, sec)
			for i, p := range payloads {
				ct := sealer.Seal(nil, p)
				if len(ct) != len(p)+sealer.Overhead() {
					t.Fatalf("frame %d: sealed len %d, want %d", i, len(ct), len(p)+sealer.Overhead())
				}
				pt, err := opener.Open(ct[:0], ct)
				if err != nil {
					t.Fatalf("frame %d: open: %v", i, err)
				}
				if !bytes.Equal(pt, p) {
					t.Errorf("frame %d: got %q, want %q", i, pt, p)
				}
			}
		})
	}
}

func TestAuthenticator_Tamper(t *testing.T) {
	for _, sec := range []protocol.Security{protocol.SecurityLegacy, protocol.SecurityAES128GCM, protocol.SecurityChaCha20Poly1305} {
		t.Run(sec.String(), func(t *testing.T) {
			sealer, opener := pair(t, sec)
			ct := sealer.Seal(nil, []byte("attack at dawn"))
			ct[len(ct)-1] ^= 0x01
			if _, err := opener.Open(nil, ct); !errors.Is(err, protocol.ErrFrameIntegrity) {
				t.Errorf("err = %v, want ErrFrameIntegrity", err)
			}
		})
	}
}

func TestAuthenticator_NonceAdvances(t *testing.T) {
	for _, sec := range []protocol.Security{protocol.SecurityAES128GCM, protocol.SecurityChaCha20Poly1305} {
		t.Run(sec.String(), func(t *testing.T) {
			sealer, opener := pair(t, sec)
			a := sealer.Seal(nil, []byte("same"))
			b := sealer.Seal(nil, []byte("same"))
			if bytes.Equal(a, b) {
				t.Fatal("identical ciphertext for consecutive frames")
			}
			// Opening out of order must fail: frame 1 under nonce 0.
			if _, err := opener.Open(nil, b); !errors.Is(err, protocol.ErrFrameIntegrity) {
				t.Errorf("out-of-order open err = %v, want ErrFrameIntegrity", err)
			}
		})
	}
}

func TestAuthenticator_IndependentInstances(t *testing.T) {
	a, _ := New(protocol.SecurityAES128GCM, testKey, testIV)
	b, _ := New(protocol.SecurityAES128GCM, testKey, testIV)
	a.Seal(nil, []byte("advance a"))
	x := a.Seal(nil, []byte("p"))
	y := b.Seal(nil, []byte("p"))
	if bytes.Equal(x, y) {
		t.Error("authenticators share nonce state")
	}
}

func TestNew_Unsupported(t *testing.T) {
	for _, sec := range []protocol.Security{protocol.SecurityUnknown, protocol.SecurityAuto, 0x0f} {
		if _, err := New(sec, testKey, testIV); err == nil {
			t.Errorf("New(%s) should fail", sec)
		}
	}
}

func TestChaChaKey(t *testing.T) {
	k := ChaChaKey(testKey)
	first := md5.Sum(testKey[:]) //nolint:gosec // part of the wire protocol
	second := md5.Sum(first[:])  //nolint:gosec // part of the wire protocol
	if !bytes.Equal(k[:16], first[:]) || !bytes.Equal(k[16:], second[:]) {
		t.Errorf("ChaChaKey = %x", k)
	}
}

func TestSizeCodec(t *testing.T) {
	tests := []struct {
		name        string
		opts        protocol.Option
		wantPadding bool
		wantMasked  bool
	}{
		{"plain", protocol.OptionChunkStream, false, false},
		{"masked", protocol.OptionChunkStream | protocol.OptionChunkMasking, false, true},
		{"masked padded", protocol.DefaultOptions, true, true},
		{"padding without masking", protocol.OptionChunkStream | protocol.OptionGlobalPadding, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewSizeCodec(tt.opts, testIV)
			dec := NewSizeCodec(tt.opts, testIV)
			sawPadding, sawMasked := false, false
			for i := range 200 {
				size := uint16(i * 37)
				pe, pd := enc.NextPadding(), dec.NextPadding()
				if pe != pd {
					t.Fatalf("frame %d: padding %d vs %d", i, pe, pd)
				}
				if pe < 0 || pe > MaxPadding {
					t.Fatalf("padding %d out of range", pe)
				}
				if pe > 0 {
					sawPadding = true
				}
				var b [SizeBytes]byte
				enc.Encode(size, b[:])
				if uint16(b[0])<<8|uint16(b[1]) != size {
					sawMasked = true
				}
				if got := dec.Decode(b[:]); got != size {
					t.Fatalf("frame %d: decoded %d, want %d", i, got, size)
				}
			}
			if sawPadding != tt.wantPadding {
				t.Errorf("padding seen = %v, want %v", sawPadding, tt.wantPadding)
			}
			if sawMasked != tt.wantMasked {
				t.Errorf("masking seen = %v, want %v", sawMasked, tt.wantMasked)
			}
		})
	}
}

func TestCFB_RoundTrip(t *testing.T) {
	var wire bytes.Buffer
	w, err := NewCFBWriter(&wire, testKey, testIV)
	if err != nil {
		t.Fatal(err)
	}
	msg := bytes.Repeat([]byte("legacy stream "), 100)
	for i := 0; i < len(msg); i += 7 {
		end := min(i+7, len(msg))
		if _, err := w.Write(msg[i:end]); err != nil {
			t.Fatal(err)
		}
	}
	if bytes.Contains(wire.Bytes(), []byte("legacy")) {
		t.Fatal("plaintext visible on the wire")
	}

	r, err := NewCFBReader(&wire, testKey, testIV)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Error("CFB round trip mismatch")
	}
}
