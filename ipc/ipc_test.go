package ipc

import (
	"fmt"
	"os"
	"reflect"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
)

func pair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b, err := Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestCodecRoundTrip(t *testing.T) {
	refusal := "bad version"
	desc := wasmsandbox.Descriptor{
		CodeHash:       [32]byte{1, 2, 3},
		CodegenVersion: wasmsandbox.CodegenVersion,
		CodeBegin:      4096,
		CodeSize:       100,
		Start:          wasmsandbox.EntryPoint{Kind: wasmsandbox.EntryIntrinsic, Value: 3},
		ApplyOffset:    7,
	}
	msgs := []Message{
		Initialize{Version: ProtocolVersion, CacheSize: 1 << 20},
		InitializeResponse{},
		InitializeResponse{Error: &refusal},
		CompileRequest{RequestID: 9, Code: CodeTuple{Hash: [32]byte{9}, VMVersion: 1}},
		CodeCompilationResult{RequestID: 9, ApplyOffset: 2, StartingMemoryPages: 1, InitDataPrologueSize: 12},
		CompilationResult{RequestID: 9, Kind: ResultSuccess, Descriptor: &desc, CacheFreeBytes: 1000},
		CompilationResult{RequestID: 10, Kind: ResultTooFull, Needed: 4096},
		EvictNotice{Codes: []wasmsandbox.Descriptor{desc}},
	}
	for _, msg := range msgs {
		t.Run(msg.Type().String(), func(t *testing.T) {
			data, err := Encode(msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, msg) {
				t.Errorf("got %+v, want %+v", got, msg)
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, {0xff}, []byte("not cbor at all")} {
		if _, err := Decode(data); err == nil {
			t.Errorf("Decode(%q) succeeded", data)
		}
	}
}

func TestSendRecvWithFiles(t *testing.T) {
	a, b := pair(t)
	code, err := NewMemfd("code", []byte("wasm bytes"))
	if err != nil {
		t.Fatalf("NewMemfd: %v", err)
	}
	defer code.Close()

	req := CompileRequest{RequestID: 1, Code: CodeTuple{Hash: [32]byte{7}}}
	if err := a.Send(req, code); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, files, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	defer CloseFiles(files...)
	if !reflect.DeepEqual(msg, req) {
		t.Errorf("got %+v", msg)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	data, err := ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "wasm bytes" {
		t.Errorf("file content = %q", data)
	}
}

func TestRecvMessageOrder(t *testing.T) {
	a, b := pair(t)
	for i := uint64(0); i < 5; i++ {
		if err := a.Send(CompileRequest{RequestID: i}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i := uint64(0); i < 5; i++ {
		msg, _, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if got := msg.(CompileRequest).RequestID; got != i {
			t.Fatalf("message %d has id %d", i, got)
		}
	}
}

func TestRecvPeerClosed(t *testing.T) {
	a, b := pair(t)
	_ = a.Close()
	_, _, err := b.Recv()
	if !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("Recv = %v, want transport error", err)
	}
}

func TestRecvGarbage(t *testing.T) {
	fa, fb, err := SocketPair()
	if err != nil {
		t.Fatalf("SocketPair: %v", err)
	}
	defer fa.Close()
	b, err := NewConn(fb)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer b.Close()

	if _, err := unix.Write(int(fa.Fd()), []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err = b.Recv()
	if !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("Recv = %v, want transport error", err)
	}
}

func TestSendTooManyFiles(t *testing.T) {
	a, _ := pair(t)
	files := make([]*os.File, maxFDs+1)
	for i := range files {
		files[i] = os.Stdin
	}
	if err := a.Send(CompileRequest{}, files...); !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("Send = %v, want transport error", err)
	}
}

func TestSessionHandshake(t *testing.T) {
	a, b := pair(t)
	client, server := NewSession(a), NewSession(b)

	done := make(chan error, 1)
	go func() {
		init, files, err := server.Accept()
		if err != nil {
			done <- err
			return
		}
		CloseFiles(files...)
		if init.Version != ProtocolVersion {
			done <- server.Respond(fmt.Errorf("version %d", init.Version))
			return
		}
		done <- server.Respond(nil)
	}()

	if err := client.Send(EvictNotice{}); err == nil {
		t.Fatal("Send before handshake succeeded")
	}
	if err := client.Handshake(Initialize{Version: ProtocolVersion}); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if client.State() != StateReady || server.State() != StateReady {
		t.Fatalf("states = %s, %s", client.State(), server.State())
	}

	if err := client.Send(EvictNotice{Codes: nil}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, _, err := server.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Type() != TypeEvictNotice {
		t.Errorf("got %s", msg.Type())
	}
	if err := client.Send(Initialize{}); err == nil {
		t.Error("second Initialize accepted")
	}
}

func TestSessionRefused(t *testing.T) {
	a, b := pair(t)
	client, server := NewSession(a), NewSession(b)
	go func() {
		if _, _, err := server.Accept(); err == nil {
			_ = server.Respond(fmt.Errorf("unsupported"))
		}
	}()
	err := client.Handshake(Initialize{Version: 99})
	if !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("Handshake = %v, want refusal", err)
	}
	if client.State() != StateClosed {
		t.Errorf("state = %s, want closed", client.State())
	}
}

func manyRegions(n int) []Region {
	regions := make([]Region, n)
	for i := range regions {
		regions[i] = Region{Offset: 4096 + uint64(i)*4096, Size: 1000 + uint64(i)}
	}
	return regions
}

func TestHandshakeLargeRegions(t *testing.T) {
	a, b := pair(t)
	client, server := NewSession(a), NewSession(b)
	want := manyRegions(6000)

	type accepted struct {
		regions []Region
		err     error
	}
	done := make(chan accepted, 1)
	go func() {
		_, files, err := server.Accept()
		if err != nil {
			done <- accepted{err: err}
			return
		}
		defer CloseFiles(files...)
		if len(files) != 1 {
			done <- accepted{err: fmt.Errorf("got %d files", len(files))}
			return
		}
		regions, err := ReadRegions(files[0])
		if err == nil {
			err = server.Respond(nil)
		}
		done <- accepted{regions: regions, err: err}
	}()

	f, err := NewRegionsFile(want)
	if err != nil {
		t.Fatalf("NewRegionsFile: %v", err)
	}
	defer f.Close()
	if err := client.Handshake(Initialize{Version: ProtocolVersion, CacheSize: 1 << 30}, f); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	got := <-done
	if got.err != nil {
		t.Fatalf("server: %v", got.err)
	}
	if !reflect.DeepEqual(got.regions, want) {
		t.Fatalf("got %d regions, want %d", len(got.regions), len(want))
	}
}

func TestRegionsFileEmpty(t *testing.T) {
	f, err := NewRegionsFile(nil)
	if err != nil {
		t.Fatalf("NewRegionsFile: %v", err)
	}
	defer f.Close()
	regions, err := ReadRegions(f)
	if err != nil || len(regions) != 0 {
		t.Fatalf("ReadRegions = %v, %v", regions, err)
	}
}

func TestEvictBatchesFitMessage(t *testing.T) {
	codes := make([]wasmsandbox.Descriptor, 3000)
	for i := range codes {
		codes[i] = wasmsandbox.Descriptor{
			CodeHash:       [32]byte{byte(i), byte(i >> 8), 0xff},
			CodegenVersion: wasmsandbox.CodegenVersion,
			CodeBegin:      1 << 40,
			CodeSize:       1 << 30,
			Start:          wasmsandbox.EntryPoint{Kind: wasmsandbox.EntryCodeOffset, Value: 1 << 30},
			InitDataBegin:  1 << 41,
			InitDataSize:   1 << 30,
		}
	}
	if data, err := Encode(EvictNotice{Codes: codes}); err == nil && len(data) <= MaxMessageSize {
		t.Fatalf("a single notice of %d codes fits in %d bytes", len(codes), len(data))
	}

	a, b := pair(t)
	batches := EvictBatches(EvictNotice{Codes: codes})
	go func() {
		for _, n := range batches {
			if err := a.Send(n); err != nil {
				return
			}
		}
	}()
	var total int
	for range batches {
		msg, _, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		n := msg.(EvictNotice)
		if len(n.Codes) > MaxEvictBatch {
			t.Errorf("batch of %d codes", len(n.Codes))
		}
		total += len(n.Codes)
	}
	if total != len(codes) {
		t.Fatalf("received %d codes, want %d", total, len(codes))
	}
}
