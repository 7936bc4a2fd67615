package activations

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-transmla/internal/calib"
	"github.com/23skdu/longbow-transmla/internal/logger"
)

// FlightPublisher sends every (projection, layer) stream of a set to an
// Arrow Flight server with DoPut. The descriptor path is
// [pass, projection, layer].
type FlightPublisher struct {
	addr   string
	client flight.Client
	mem    memory.Allocator
}

// NewFlightPublisher dials addr ("host:port") without TLS.
func NewFlightPublisher(addr string, opts ...grpc.DialOption) (*FlightPublisher, error) {
	if addr == "" {
		return nil, errors.New("activations: empty flight address")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("activations: failed to create Flight client: %w", err)
	}
	return &FlightPublisher{addr: addr, client: client, mem: memory.NewGoAllocator()}, nil
}

func (p *FlightPublisher) Write(ctx context.Context, set *calib.Set) error {
	streams := 0
	err := each(set, func(k Key, acts []calib.Activation) error {
		if err := p.put(ctx, k, acts); err != nil {
			return fmt.Errorf("activations: flight put %v: %w", k.path(), err)
		}
		streams++
		return nil
	})
	if err != nil {
		return err
	}
	logger.Log.Info("activations published", "addr", p.addr, "pass", set.Pass, "streams", streams)
	return nil
}

func (p *FlightPublisher) put(ctx context.Context, k Key, acts []calib.Activation) error {
	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return err
	}
	_, width := acts[0].Data.Dims()
	schema := Schema(k, width)
	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(p.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: k.path()})

	for _, a := range acts {
		rec := newRecord(p.mem, schema, a)
		err := w.Write(rec)
		rec.Release()
		if err != nil {
			_ = w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (p *FlightPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
