// Package wrapper frames messages over a byte stream, sealing each one with crypto.Cipher.
// A frame is the uvarint length of the sealed message followed by the sealed message.
package wrapper

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/courier/crypto"
)

// ErrFrameTooLarge is returned for frames longer than the wrapper's limit.
var ErrFrameTooLarge = errors.New("frame too large")

type Wrapper struct {
	r      *bufio.Reader
	w      io.Writer
	cipher *crypto.Cipher
	max    int

	readMutex  sync.Mutex
	writeMutex sync.Mutex
}

// New wraps conn. Messages longer than maxMessage bytes are refused in both directions.
func New(conn io.ReadWriter, key []byte, maxMessage int) (*Wrapper, error) {
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Wrapper{
		r:      bufio.NewReader(conn),
		w:      conn,
		cipher: cipher,
		max:    maxMessage + crypto.Overhead,
	}, nil
}

// WriteMessage seals msg and writes it as one frame.
func (s *Wrapper) WriteMessage(msg []byte) error {
	if len(msg)+crypto.Overhead > s.max {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	ciphertext, err := s.cipher.Encrypt(msg)
	if err != nil {
		return err
	}
	frame := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(ciphertext))
	n := binary.PutUvarint(frame, uint64(len(ciphertext)))
	frame = append(frame[:n], ciphertext...)

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.w.Write(frame)
	return err
}

// ReadMessage reads one frame and returns the opened message. A frame that fails authentication
// is an error; the stream cannot be trusted after it.
func (s *Wrapper) ReadMessage() ([]byte, error) {
	s.readMutex.Lock()
	defer s.readMutex.Unlock()

	length, err := binary.ReadUvarint(s.r)
	if err != nil {
		return nil, err
	}
	if length > uint64(s.max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(s.r, ciphertext); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return s.cipher.Decrypt(ciphertext)
}
