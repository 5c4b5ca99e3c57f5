package pipeline

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// Transformer kinds shipped with the shard.
const (
	KindCompression = "compression"
	KindEncryption  = "encryption"
	KindTrace       = "trace"
)

// Toggles reports the per-session stream transform switches.
type Toggles interface {
	CompressionEnabled(id uint64) bool
	EncryptionEnabled(id uint64) bool
}

// funcTransformer adapts plain functions to a Transformer.
type funcTransformer struct {
	kind      string
	onReceive func(Conn, []byte) ([]byte, error)
	onSend    func(Conn, []byte) ([]byte, error)
}

// Func builds a transformer from functions. A nil function passes data
// through unchanged.
func Func(kind string, onReceive, onSend func(Conn, []byte) ([]byte, error)) Transformer {
	return &funcTransformer{kind: kind, onReceive: onReceive, onSend: onSend}
}

func (f *funcTransformer) Kind() string { return f.kind }

func (f *funcTransformer) OnReceive(c Conn, data []byte) ([]byte, error) {
	if f.onReceive == nil {
		return data, nil
	}
	return f.onReceive(c, data)
}

func (f *funcTransformer) OnSend(c Conn, data []byte) ([]byte, error) {
	if f.onSend == nil {
		return data, nil
	}
	return f.onSend(c, data)
}

// Compressor deflates outbound data for sessions that have compression
// enabled. Each connection keeps its own stream; every send is flushed so
// the peer can inflate it immediately. Inbound data passes through.
// OnSend must not run concurrently for the same connection.
type Compressor struct {
	toggles Toggles
	level   int

	mu      sync.Mutex
	streams map[uint64]*deflateStream
}

type deflateStream struct {
	buf bytes.Buffer
	w   *flate.Writer
}

// NewCompressor creates a compressor using the given flate level.
func NewCompressor(toggles Toggles, level int) *Compressor {
	return &Compressor{
		toggles: toggles,
		level:   level,
		streams: make(map[uint64]*deflateStream),
	}
}

func (c *Compressor) Kind() string { return KindCompression }

func (c *Compressor) OnReceive(_ Conn, data []byte) ([]byte, error) { return data, nil }

func (c *Compressor) OnSend(conn Conn, data []byte) ([]byte, error) {
	if !c.toggles.CompressionEnabled(conn.ID()) {
		return data, nil
	}
	s, err := c.stream(conn.ID())
	if err != nil {
		return nil, err
	}
	s.buf.Reset()
	if _, err := s.w.Write(data); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return nil, fmt.Errorf("deflate flush: %w", err)
	}
	return bytes.Clone(s.buf.Bytes()), nil
}

func (c *Compressor) stream(id uint64) (*deflateStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.streams[id]; ok {
		return s, nil
	}
	s := &deflateStream{}
	w, err := flate.NewWriter(&s.buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	s.w = w
	c.streams[id] = s
	return s, nil
}

// Release drops the compression stream of conn.
func (c *Compressor) Release(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, conn.ID())
}

// Streams returns the number of live compression streams.
func (c *Compressor) Streams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Inflater decompresses a stream produced by Compressor.
type Inflater struct {
	src bytes.Buffer
	r   io.ReadCloser
}

// NewInflater creates an inflater for one connection.
func NewInflater() *Inflater {
	i := &Inflater{}
	i.r = flate.NewReader(&i.src)
	return i
}

// Inflate decompresses one flushed chunk that is known to expand to n bytes.
func (i *Inflater) Inflate(chunk []byte, n int) ([]byte, error) {
	i.src.Write(chunk)
	out := make([]byte, n)
	if _, err := io.ReadFull(i.r, out); err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}

const keySize = chacha20.KeySize

var (
	clientToServerNonce = [chacha20.NonceSize]byte{0: 0x01}
	serverToClientNonce = [chacha20.NonceSize]byte{0: 0x02}
)

// Cipher encrypts both directions with ChaCha20 for sessions that have
// encryption enabled. Keys are derived per session from a shared secret.
type Cipher struct {
	secret  []byte
	toggles Toggles

	mu     sync.Mutex
	states map[uint64]*cipherState
}

type cipherState struct {
	mu  sync.Mutex
	in  *chacha20.Cipher
	out *chacha20.Cipher
}

// NewCipher creates a cipher transformer keyed by secret.
func NewCipher(secret []byte, toggles Toggles) *Cipher {
	return &Cipher{
		secret:  bytes.Clone(secret),
		toggles: toggles,
		states:  make(map[uint64]*cipherState),
	}
}

func (c *Cipher) Kind() string { return KindEncryption }

func (c *Cipher) OnReceive(conn Conn, data []byte) ([]byte, error) {
	if !c.toggles.EncryptionEnabled(conn.ID()) {
		return data, nil
	}
	st, err := c.state(conn.ID())
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	st.mu.Lock()
	st.in.XORKeyStream(out, data)
	st.mu.Unlock()
	return out, nil
}

func (c *Cipher) OnSend(conn Conn, data []byte) ([]byte, error) {
	if !c.toggles.EncryptionEnabled(conn.ID()) {
		return data, nil
	}
	st, err := c.state(conn.ID())
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	st.mu.Lock()
	st.out.XORKeyStream(out, data)
	st.mu.Unlock()
	return out, nil
}

func (c *Cipher) state(id uint64) (*cipherState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.states[id]; ok {
		return st, nil
	}
	key, err := deriveKey(c.secret, id)
	if err != nil {
		return nil, err
	}
	in, err := chacha20.NewUnauthenticatedCipher(key, clientToServerNonce[:])
	if err != nil {
		return nil, fmt.Errorf("inbound cipher: %w", err)
	}
	out, err := chacha20.NewUnauthenticatedCipher(key, serverToClientNonce[:])
	if err != nil {
		return nil, fmt.Errorf("outbound cipher: %w", err)
	}
	st := &cipherState{in: in, out: out}
	c.states[id] = st
	return st, nil
}

// Release drops the key stream state of conn.
func (c *Cipher) Release(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, conn.ID())
}

func deriveKey(secret []byte, id uint64) ([]byte, error) {
	salt := binary.BigEndian.AppendUint64(nil, id)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte("shard session key")), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// ClientCipher is the peer side of Cipher for one session.
type ClientCipher struct {
	seal *chacha20.Cipher
	open *chacha20.Cipher
}

// NewClientCipher derives the key streams a client uses for session id.
func NewClientCipher(secret []byte, id uint64) (*ClientCipher, error) {
	key, err := deriveKey(secret, id)
	if err != nil {
		return nil, err
	}
	seal, err := chacha20.NewUnauthenticatedCipher(key, clientToServerNonce[:])
	if err != nil {
		return nil, err
	}
	open, err := chacha20.NewUnauthenticatedCipher(key, serverToClientNonce[:])
	if err != nil {
		return nil, err
	}
	return &ClientCipher{seal: seal, open: open}, nil
}

// Seal encrypts data headed for the server.
func (c *ClientCipher) Seal(data []byte) []byte {
	out := make([]byte, len(data))
	c.seal.XORKeyStream(out, data)
	return out
}

// Open decrypts data received from the server.
func (c *ClientCipher) Open(data []byte) []byte {
	out := make([]byte, len(data))
	c.open.XORKeyStream(out, data)
	return out
}

// Tracer logs every chunk as hex at trace level and passes it through.
type Tracer struct {
	logger zerolog.Logger
}

// NewTracer creates a tracer writing to logger.
func NewTracer(logger zerolog.Logger) *Tracer {
	return &Tracer{logger: logger}
}

func (t *Tracer) Kind() string { return KindTrace }

func (t *Tracer) OnReceive(c Conn, data []byte) ([]byte, error) {
	t.dump(c, Inbound, data)
	return data, nil
}

func (t *Tracer) OnSend(c Conn, data []byte) ([]byte, error) {
	t.dump(c, Outbound, data)
	return data, nil
}

func (t *Tracer) dump(c Conn, dir Direction, data []byte) {
	t.logger.Trace().
		Uint64("session", c.ID()).
		Str("direction", string(dir)).
		Int("len", len(data)).
		Hex("data", data).
		Msg("stream chunk")
}
