// Package protocol implements the encrypted binary session protocol:
// length-framed messages over TCP, an RSA handshake that exchanges
// AES-256-CBC session material, then exactly one JSON request and one
// JSON response per connection.
//
// Each peer generates its own symmetric material and sends it inside
// an RSA envelope encrypted to the other side's public key. Outbound
// payloads are encrypted under the local material, inbound payloads
// are decrypted under the peer's.
package protocol

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerthus-project/nerthusd/internal/schema"
	"github.com/nerthus-project/nerthusd/internal/vmcrypto"
)

// Frame header: the payload length in ASCII decimal, right-padded to 8
// bytes with '='. Every frame is acknowledged with a single status
// byte.
const (
	frameHeaderSize = 8
	frameHeaderPad  = '='

	ackByte  = '1'
	nackByte = '0'
)

// ErrPeerRejected is returned when the peer answers a frame with a
// negative acknowledgement.
var ErrPeerRejected = errors.New("peer rejected the transmission")

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// Session is one client connection: transport, handshake state and the
// last received request.
type Session struct {
	mu sync.Mutex

	conn      net.Conn
	id        string
	createdAt int64
	timeout   time.Duration
	closed    bool

	keypair     *vmcrypto.KeyPair
	peerPub     *rsa.PublicKey
	localCipher *vmcrypto.SessionCipher
	peerCipher  *vmcrypto.SessionCipher

	storedRequest *schema.Request
}

// NewSession wraps an accepted connection. The session id is the first
// 7 hex chars of the SHA-256 of the peer IP, stable across a client's
// reconnections.
func NewSession(conn net.Conn, keypair *vmcrypto.KeyPair) (*Session, error) {
	localCipher, err := vmcrypto.NewSessionCipher()
	if err != nil {
		return nil, err
	}

	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	sum := sha256.Sum256([]byte(host))

	return &Session{
		conn:        conn,
		id:          hex.EncodeToString(sum[:])[:7],
		createdAt:   time.Now().Unix(),
		keypair:     keypair,
		localCipher: localCipher,
	}, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// CreationTimestamp returns the session creation time (unix seconds).
func (s *Session) CreationTimestamp() int64 { return s.createdAt }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// SetTimeout bounds every subsequent read and write on the session.
// Zero disables the deadline.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StoredRequest returns the last request received on this session, or
// nil.
func (s *Session) StoredRequest() *schema.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storedRequest
}

// Close shuts the connection down. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Session) applyDeadline() {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()
	if timeout > 0 {
		s.conn.SetDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetDeadline(time.Time{})
	}
}

// readAck consumes the peer's one-byte frame status.
func (s *Session) readAck() error {
	ack := make([]byte, 1)
	if _, err := io.ReadFull(s.conn, ack); err != nil {
		return fmt.Errorf("read acknowledgement: %w", err)
	}
	if ack[0] != ackByte {
		return ErrPeerRejected
	}
	return nil
}

func (s *Session) writeStatus(status byte) error {
	if _, err := s.conn.Write([]byte{status}); err != nil {
		return fmt.Errorf("send acknowledgement: %w", err)
	}
	return nil
}

// sendFrame writes the 8-byte length header, waits for the peer's
// acknowledgement of it, then writes the payload.
func (s *Session) sendFrame(payload []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	s.applyDeadline()

	header := strconv.Itoa(len(payload))
	if len(header) > frameHeaderSize {
		return fmt.Errorf("payload too large to frame: %d bytes", len(payload))
	}
	header += strings.Repeat(string(frameHeaderPad), frameHeaderSize-len(header))

	if _, err := s.conn.Write([]byte(header)); err != nil {
		return fmt.Errorf("send frame header: %w", err)
	}
	if err := s.readAck(); err != nil {
		return err
	}
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("send frame payload: %w", err)
	}
	return nil
}

// recvFrame reads the length header, acknowledges it, then reads the
// payload. An unparsable header is answered with a negative
// acknowledgement instead.
func (s *Session) recvFrame() ([]byte, error) {
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}
	s.applyDeadline()

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size, err := strconv.Atoi(strings.TrimRight(string(header), string(frameHeaderPad)))
	if err != nil || size < 0 {
		s.writeStatus(nackByte)
		return nil, fmt.Errorf("invalid frame header %q", header)
	}
	if err := s.writeStatus(ackByte); err != nil {
		return nil, err
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// recvEnvelope reads an RSA envelope, whose size on the wire is the
// local key's modulus size. The acknowledgement is sent by the caller
// once the envelope proves usable.
func (s *Session) recvEnvelope() ([]byte, error) {
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}
	s.applyDeadline()

	envelope := make([]byte, s.keypair.Size()/8)
	if _, err := io.ReadFull(s.conn, envelope); err != nil {
		return nil, fmt.Errorf("read key envelope: %w", err)
	}
	return envelope, nil
}

// sendEnvelope writes a raw RSA envelope and waits for the peer's
// acknowledgement.
func (s *Session) sendEnvelope(envelope []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	s.applyDeadline()

	if _, err := s.conn.Write(envelope); err != nil {
		return fmt.Errorf("send key envelope: %w", err)
	}
	return s.readAck()
}

// sendLocalMaterial envelopes the local symmetric material (key then
// IV) to the peer's public key and sends it.
func (s *Session) sendLocalMaterial() error {
	key, iv := s.localCipher.Material()
	envelope, err := vmcrypto.Encrypt(s.peerPub, append(append([]byte{}, key...), iv...))
	if err != nil {
		return fmt.Errorf("envelope session material: %w", err)
	}
	return s.sendEnvelope(envelope)
}

// recvPeerMaterial reads and opens the peer's envelope, splitting the
// body into key and trailing 16-byte IV. The envelope is acknowledged
// only once it decrypts to usable material.
func (s *Session) recvPeerMaterial() error {
	envelope, err := s.recvEnvelope()
	if err != nil {
		return err
	}
	body, err := s.keypair.Decrypt(envelope)
	if err != nil {
		s.writeStatus(nackByte)
		return fmt.Errorf("open session material envelope: %w", err)
	}
	if len(body) <= vmcrypto.SessionIVSize {
		s.writeStatus(nackByte)
		return fmt.Errorf("%w: envelope body too short", vmcrypto.ErrCryptoMaterial)
	}

	cut := len(body) - vmcrypto.SessionIVSize
	cipher, err := vmcrypto.NewSessionCipherFrom(body[:cut], body[cut:])
	if err != nil {
		s.writeStatus(nackByte)
		return err
	}
	s.mu.Lock()
	s.peerCipher = cipher
	s.mu.Unlock()
	return s.writeStatus(ackByte)
}

// sendPublicKey frames the local public key and waits for the second
// acknowledgement the peer sends once it has accepted the key itself.
func (s *Session) sendPublicKey() error {
	localPEM, err := s.keypair.PublicPEM()
	if err != nil {
		return err
	}
	if err := s.sendFrame(localPEM); err != nil {
		return err
	}
	return s.readAck()
}

// recvPublicKey reads the peer's framed public key and acknowledges it
// a second time once parsed, negatively if the key is unusable.
func (s *Session) recvPublicKey() error {
	peerPEM, err := s.recvFrame()
	if err != nil {
		return err
	}
	peerPub, err := vmcrypto.ParsePublicKeyPEM(peerPEM)
	if err != nil {
		s.writeStatus(nackByte)
		return err
	}
	s.peerPub = peerPub
	return s.writeStatus(ackByte)
}

// ExchangeKeys runs the server side of the handshake: receive the peer
// public key, send ours, receive the peer's enveloped session material,
// send ours.
func (s *Session) ExchangeKeys() error {
	if err := s.recvPublicKey(); err != nil {
		return err
	}
	if err := s.sendPublicKey(); err != nil {
		return err
	}
	if err := s.recvPeerMaterial(); err != nil {
		return err
	}
	return s.sendLocalMaterial()
}

// InitiateKeyExchange runs the client side of the handshake: send the
// local public key first, then mirror ExchangeKeys.
func (s *Session) InitiateKeyExchange() error {
	if err := s.sendPublicKey(); err != nil {
		return err
	}
	if err := s.recvPublicKey(); err != nil {
		return err
	}
	if err := s.sendLocalMaterial(); err != nil {
		return err
	}
	return s.recvPeerMaterial()
}

// RecvRequest reads and decrypts one request, validates it and stores
// the canonical form on the session. Validation problems come back as
// a string list with a nil error; err reports transport or decryption
// failures.
func (s *Session) RecvRequest() (schema.Request, []string, error) {
	payload, err := s.recvFrame()
	if err != nil {
		return schema.Request{}, nil, err
	}

	s.mu.Lock()
	cipher := s.peerCipher
	s.mu.Unlock()
	if cipher == nil {
		return schema.Request{}, nil, errors.New("no session key exchanged")
	}

	plaintext, err := cipher.Decrypt(payload)
	if err != nil {
		return schema.Request{}, nil, fmt.Errorf("decrypt request: %w", err)
	}

	var req schema.Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return schema.Request{}, []string{fmt.Sprintf("request is not valid JSON: %v", err)}, nil
	}

	req, verifyErrs := schema.VerifyRequest(req)
	if len(verifyErrs) > 0 {
		return req, verifyErrs, nil
	}

	s.mu.Lock()
	s.storedRequest = &req
	s.mu.Unlock()
	return req, nil, nil
}

// SendResponse canonicalizes, encrypts and sends one response.
func (s *Session) SendResponse(success bool, message string, data map[string]any, reason string) error {
	resp, errs := schema.MakeResponse(success, message, data, reason)
	if len(errs) > 0 {
		return fmt.Errorf("invalid response: %s", strings.Join(errs, "; "))
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	ciphertext, err := s.localCipher.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypt response: %w", err)
	}
	return s.sendFrame(ciphertext)
}

// SendRequest encrypts and sends one request, the client half of
// RecvRequest.
func (s *Session) SendRequest(req schema.Request) error {
	req, errs := schema.VerifyRequest(req)
	if len(errs) > 0 {
		return fmt.Errorf("invalid request: %s", strings.Join(errs, "; "))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	ciphertext, err := s.localCipher.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypt request: %w", err)
	}
	return s.sendFrame(ciphertext)
}

// RecvResponse reads and decrypts one response, the client half of
// SendResponse.
func (s *Session) RecvResponse() (schema.Response, error) {
	payload, err := s.recvFrame()
	if err != nil {
		return schema.Response{}, err
	}

	s.mu.Lock()
	cipher := s.peerCipher
	s.mu.Unlock()
	if cipher == nil {
		return schema.Response{}, errors.New("no session key exchanged")
	}

	plaintext, err := cipher.Decrypt(payload)
	if err != nil {
		return schema.Response{}, fmt.Errorf("decrypt response: %w", err)
	}

	var resp schema.Response
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return schema.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
