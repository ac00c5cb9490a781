// Package seeder produces realistic gateway uploads for exercising a relay.
package seeder

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/goip-relay/goip-relay/relay/pkg/goip"
)

// Message is one synthetic SMS as a gateway would report it.
type Message struct {
	DeviceID  string
	SlotIndex int
	Sender    string
	Receiver  string
	SentAt    time.Time
	Body      string
}

// Payload renders m in the GOIP upload format.
func (m Message) Payload() string {
	return fmt.Sprintf("Sender: %s\nReceiver: %q 91%s\nSCTS: %s\n%s",
		m.Sender,
		goip.EncodePort(m.DeviceID, m.SlotIndex),
		m.Receiver,
		m.SentAt.Format("060102150405"),
		m.Body,
	)
}

// Generator draws devices, slots, numbers and bodies from a seeded faker.
type Generator struct {
	faker   *gofakeit.Faker
	devices []string
	slots   int
	now     func() time.Time
}

// NewGenerator creates devices synthetic gateways with slots SIM slots
// each. The same seed yields the same sequence.
func NewGenerator(seed int64, devices, slots int) *Generator {
	f := gofakeit.New(seed)
	ids := make([]string, max(devices, 1))
	for i := range ids {
		ids[i] = strings.ToLower(f.LetterN(4)) + fmt.Sprint(f.Number(1000, 9999))
	}
	return &Generator{faker: f, devices: ids, slots: max(slots, 1), now: time.Now}
}

// Devices returns the generated gateway identifiers.
func (g *Generator) Devices() []string {
	return append([]string(nil), g.devices...)
}

func (g *Generator) Next() Message {
	return Message{
		DeviceID:  g.devices[g.faker.Number(0, len(g.devices)-1)],
		SlotIndex: g.faker.Number(0, g.slots-1),
		Sender:    "+91" + g.mobile(),
		Receiver:  g.mobile(),
		SentAt:    g.now().Add(-time.Duration(g.faker.Number(0, 3600)) * time.Second),
		Body:      g.body(),
	}
}

// mobile returns a ten digit Indian mobile number.
func (g *Generator) mobile() string {
	return fmt.Sprint(g.faker.Number(6, 9)) + g.faker.Numerify("#########")
}

func (g *Generator) body() string {
	switch g.faker.Number(0, 2) {
	case 0:
		return fmt.Sprintf("Your OTP is %s. Do not share it with anyone.", g.faker.Numerify("######"))
	case 1:
		return fmt.Sprintf("INR %d.00 credited to a/c XX%s on %s.",
			g.faker.Number(100, 50000), g.faker.Numerify("####"), g.now().Format("02-01-06"))
	default:
		return g.faker.Sentence(g.faker.Number(4, 12))
	}
}

// Batch joins payloads with the gateway batch delimiter.
func Batch(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Payload()
	}
	return strings.Join(parts, "\n"+goip.BatchDelimiter+"\n")
}
