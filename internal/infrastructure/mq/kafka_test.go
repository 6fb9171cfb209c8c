package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	. "github.com/onsi/gomega"
)

func TestKafkaPublisher_Publish(t *testing.T) {
	g := NewWithT(t)

	producer := mocks.NewSyncProducer(t, NewSaramaConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		value, _ := msg.Value.Encode()
		if msg.Topic != "ledger.entry.created" || string(key) != "42" || string(value) != `{"amount":10}` {
			return errors.New("unexpected message")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisher(producer)
	ctx := context.Background()

	g.Expect(p.Publish(ctx, "ledger.entry.created", "42", []byte(`{"amount":10}`))).To(Succeed())
	g.Expect(p.Publish(ctx, "ledger.entry.created", "42", []byte(`{}`))).To(MatchError(sarama.ErrOutOfBrokers))
	g.Expect(p.Close()).To(Succeed())
}

func TestKafkaPublisher_CancelledContext(t *testing.T) {
	g := NewWithT(t)

	producer := mocks.NewSyncProducer(t, NewSaramaConfig())
	p := NewKafkaPublisher(producer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.Expect(p.Publish(ctx, "t", "k", nil)).To(MatchError(context.Canceled))
	g.Expect(p.Close()).To(Succeed())
}
