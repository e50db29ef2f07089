// Copyright 2021 The paragate Authors
// This file is part of the paragate library.
//
// The paragate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The paragate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the paragate library. If not, see <http://www.gnu.org/licenses/>.

package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"

	"github.com/paragate/paragate/config"
	"github.com/paragate/paragate/log"
)

// mirror streams chronicle lines to a Kafka topic so an external warehouse
// can follow the audit trail without scraping archive files. Publishing is
// fire-and-forget: the files stay canonical and a dead broker must never
// slow a worker down.
type mirror struct {
	producer sarama.AsyncProducer
	topic    string
	log      log.Logger
	wg       sync.WaitGroup
}

func newMirror(cfg config.KafkaConfig, lg log.Logger) (*mirror, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = 500 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("audit: connecting chronicle mirror: %w", err)
	}
	m := &mirror{producer: producer, topic: cfg.Topic, log: lg}
	m.wg.Add(1)
	go m.drain()
	return m, nil
}

func (m *mirror) publish(line []byte) {
	m.producer.Input() <- &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(uuid.NewString()),
		Value: sarama.ByteEncoder(line),
	}
}

// drain logs delivery failures until the producer closes its error channel.
func (m *mirror) drain() {
	defer m.wg.Done()
	for err := range m.producer.Errors() {
		m.log.Warn("chronicle mirror publish failed", "err", err)
	}
}

func (m *mirror) close() {
	m.producer.AsyncClose()
	m.wg.Wait()
}
