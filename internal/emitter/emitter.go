// Package emitter fans captured records out to subscribed consumers over TCP,
// one JSON frame per line. Consumers connect and receive every record emitted
// while they are connected; a consumer that cannot keep up is disconnected
// rather than allowed to stall the stream.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/riverline/mongocdc/internal/coordinator"
)

//go:generate mockgen -destination=conn_mock.go -package=emitter net Conn

// writeDeadline bounds one frame write so a stalled consumer cannot block the
// dispatch loop behind it.
const writeDeadline = 100 * time.Millisecond

type Config struct {
	Address string
	// Port 0 binds an ephemeral port; read it back with Addr.
	Port int
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Port < 0 || c.Port > 65535 {
		errGrp = append(errGrp, fmt.Errorf("invalid port: %d", c.Port))
	}
	if c.Address == "" {
		errGrp = append(errGrp, fmt.Errorf("invalid address: %s", c.Address))
	}
	return errors.Join(errGrp...)
}

// Frame is the wire shape of one record. Key and Value are the encoder's
// output bytes; JSON marshalling renders them base64 so binary formats
// survive the text framing.
type Frame struct {
	Namespace string `json:"namespace"`
	Key       []byte `json:"key,omitempty"`
	Value     []byte `json:"value"`
}

type Emitter struct {
	listener net.Listener

	queue      chan coordinator.Record
	procCtx    context.Context
	procCancel context.CancelFunc

	clients    map[net.Conn]bool
	clientsMux sync.Mutex
}

func New(cfg *Config) (*Emitter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	addrString := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	listener, err := net.Listen("tcp", addrString)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addrString, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Emitter{
		listener:   listener,
		queue:      make(chan coordinator.Record, 4096),
		procCtx:    ctx,
		procCancel: cancel,
		clients:    make(map[net.Conn]bool),
	}, nil
}

// Addr is the address the emitter is actually listening on.
func (e *Emitter) Addr() net.Addr {
	return e.listener.Addr()
}

func (e *Emitter) Start() error {
	go func() {
		for {
			select {
			case <-e.procCtx.Done():
				return
			case rec := <-e.queue:
				e.broadcast(rec)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-e.procCtx.Done():
				return
			default:
				conn, err := e.listener.Accept()
				if err != nil {
					if e.procCtx.Err() != nil {
						return
					}
					log.Warn().Err(err).Msg("failed to accept consumer connection")
					continue
				}
				go e.handle(conn)
			}
		}
	}()

	log.Info().Str("addr", e.listener.Addr().String()).Msg("record emitter listening")
	return nil
}

func (e *Emitter) Stop() error {
	if e.procCancel != nil {
		e.procCancel()
	}
	if e.listener != nil {
		if err := e.listener.Close(); err != nil {
			return fmt.Errorf("failed to close listener: %w", err)
		}
	}

	e.clientsMux.Lock()
	defer e.clientsMux.Unlock()
	for client := range e.clients {
		_ = client.Close()
		delete(e.clients, client)
	}
	return nil
}

func (e *Emitter) Name() string {
	return "Record Emitter"
}

// Emit queues records for fan-out. It blocks when the queue is full, so the
// poll loop slows down instead of dropping records, and fails once the
// emitter has stopped.
func (e *Emitter) Emit(records []coordinator.Record) error {
	for _, rec := range records {
		if e.procCtx.Err() != nil {
			return errors.New("emitter is stopped")
		}
		select {
		case e.queue <- rec:
		case <-e.procCtx.Done():
			return errors.New("emitter is stopped")
		}
	}
	return nil
}

// ClientCount reports the number of connected consumers.
func (e *Emitter) ClientCount() int {
	e.clientsMux.Lock()
	defer e.clientsMux.Unlock()
	return len(e.clients)
}

// broadcast writes one record to every connected consumer. A consumer whose
// write fails or times out is dropped; the stream does not wait for it.
func (e *Emitter) broadcast(rec coordinator.Record) {
	data, err := json.Marshal(Frame{
		Namespace: rec.Namespace.String(),
		Key:       rec.Key,
		Value:     rec.Value,
	})
	if err != nil {
		log.Error().Err(err).Str("ns", rec.Namespace.String()).Msg("failed to marshal record frame")
		return
	}
	message := append(data, '\n')

	// no new clients while writing
	e.clientsMux.Lock()
	defer e.clientsMux.Unlock()

	for client := range e.clients {
		_ = client.SetWriteDeadline(time.Now().Add(writeDeadline))
		if _, err := client.Write(message); err != nil {
			log.Warn().Err(err).Msg("dropping slow or dead consumer")
			_ = client.Close()
			delete(e.clients, client)
		}
	}
}

func (e *Emitter) handle(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		e.clientsMux.Lock()
		delete(e.clients, conn)
		e.clientsMux.Unlock()
	}()

	e.clientsMux.Lock()
	e.clients[conn] = true
	e.clientsMux.Unlock()

	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("consumer connected")

	// reads only detect disconnection; consumers send nothing meaningful yet
	buffer := make([]byte, 4096)
	for {
		if _, err := conn.Read(buffer); err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Str("remote", conn.RemoteAddr().String()).Msg("consumer disconnected")
			}
			return
		}
	}
}
