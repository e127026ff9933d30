package emitter

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/riverline/mongocdc/internal/coordinator"
	"github.com/riverline/mongocdc/internal/namespace"
)

func orderRecord(key, value string) coordinator.Record {
	return coordinator.Record{
		Namespace: namespace.Namespace{Database: "shop", Collection: "orders"},
		Key:       []byte(key),
		Value:     []byte(value),
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		e, err := New(&Config{Port: -1})
		require.Error(t, err)
		require.Nil(t, e)
	})

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		e, err := New(&Config{Address: "127.0.0.1", Port: 0})
		require.NoError(t, err)
		require.NotNil(t, e)
		require.NoError(t, e.Stop())
	})

	t.Run("name", func(t *testing.T) {
		t.Parallel()
		e := &Emitter{}
		require.Equal(t, "Record Emitter", e.Name())
	})
}

func TestEmitter_Broadcast(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		record        coordinator.Record
		clients       int
		writeErrors   []error
		expectRemoved []bool
	}{
		{
			name:          "single client successful write",
			record:        orderRecord(`{"_id":"o-1"}`, `{"operationType":"insert"}`),
			clients:       1,
			writeErrors:   []error{nil},
			expectRemoved: []bool{false},
		},
		{
			name:          "multiple clients successful write",
			record:        orderRecord(`{"_id":"o-2"}`, `{"operationType":"update"}`),
			clients:       3,
			writeErrors:   []error{nil, nil, nil},
			expectRemoved: []bool{false, false, false},
		},
		{
			name:          "failing client is dropped, others keep the stream",
			record:        orderRecord(`{"_id":"o-3"}`, `{"operationType":"delete"}`),
			clients:       3,
			writeErrors:   []error{nil, errors.New("write error"), nil},
			expectRemoved: []bool{false, true, false},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			e := &Emitter{
				clients:    make(map[net.Conn]bool),
				clientsMux: sync.Mutex{},
			}

			expectedData, err := json.Marshal(Frame{
				Namespace: tt.record.Namespace.String(),
				Key:       tt.record.Key,
				Value:     tt.record.Value,
			})
			require.NoError(t, err)
			expectedMessage := append(expectedData, '\n')

			mockConns := make([]net.Conn, tt.clients)
			for i := 0; i < tt.clients; i++ {
				mockConn := NewMockConn(ctrl)
				e.clients[mockConn] = true
				mockConns[i] = mockConn
				mockConn.EXPECT().SetWriteDeadline(gomock.Any()).Return(nil)
				mockConn.EXPECT().Write(gomock.Eq(expectedMessage)).Return(len(expectedMessage), tt.writeErrors[i])
				if tt.writeErrors[i] != nil {
					mockConn.EXPECT().Close().Return(nil)
				}
			}

			e.broadcast(tt.record)

			for i, conn := range mockConns {
				_, exists := e.clients[conn]
				assert.Equal(t, !tt.expectRemoved[i], exists)
			}
		})
	}
}

func TestEmitter_EndToEnd(t *testing.T) {
	e, err := New(&Config{Address: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer func() { require.NoError(t, e.Stop()) }()

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// wait until the accept loop registered the consumer
	require.Eventually(t, func() bool {
		return e.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := orderRecord(`{"_id":"o-9"}`, `{"operationType":"insert","fullDocument":{"_id":"o-9"}}`)
	require.NoError(t, e.Emit([]coordinator.Record{rec}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(line, &frame))
	require.Equal(t, "shop.orders", frame.Namespace)
	require.Equal(t, rec.Key, frame.Key)
	require.Equal(t, rec.Value, frame.Value)
}

func TestEmitter_EmitAfterStopFails(t *testing.T) {
	e, err := New(&Config{Address: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	require.NoError(t, e.Stop())

	err = e.Emit([]coordinator.Record{orderRecord(`{}`, `{}`)})
	require.ErrorContains(t, err, "emitter is stopped")
}

func TestEmitter_DisconnectedConsumerIsForgotten(t *testing.T) {
	e, err := New(&Config{Address: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer func() { require.NoError(t, e.Stop()) }()

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return e.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
