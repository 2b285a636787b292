package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioConsumer treats each input line as one message. Lines have no topic
// and no offset, so Ack is a no-op and redelivery does not exist.
type stdioConsumer struct {
	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	reader := cfg.Reader
	if reader == nil {
		reader = os.Stdin
	}
	maxLineBytes := cfg.MaxLineBytes
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
	}
	go c.scanLoop(ctx, reader, maxLineBytes)
	return c, nil
}

func (c *stdioConsumer) scanLoop(ctx context.Context, r io.Reader, maxLineBytes int) {
	defer close(c.msgCh)
	defer close(c.errCh)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024), maxLineBytes)
	for sc.Scan() {
		msg := Message{
			Value:     append([]byte(nil), sc.Bytes()...),
			Timestamp: time.Now().UTC(),
		}
		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case c.errCh <- err:
		case <-ctx.Done():
		}
	}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgCh }
func (c *stdioConsumer) Errors() <-chan error     { return c.errCh }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// stdioProducer writes one line per payload. The topic is dropped; a pipe
// has only one stream.
type stdioProducer struct {
	w io.Writer
	m sync.Mutex
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, payload []byte) error {
	p.m.Lock()
	defer p.m.Unlock()

	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	_, err := p.w.Write([]byte("\n"))
	return err
}

func (p *stdioProducer) Close() error {
	return nil
}
