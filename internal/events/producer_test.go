package events

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("producer", Ordered, func() {
	Context("write", func() {
		It("writes succsessfully", func() {
			w := newTestWriter()
			kp := NewEventProducer(w, WithOutputTopic("jobs"))

			err := kp.Write(context.TODO(), JobMessageKind, bytes.NewReader([]byte(`{"job_id":1}`)))
			Expect(err).To(BeNil())
			Eventually(w.Len).Should(Equal(1))

			err = kp.Publish(context.TODO(), ProductMessageKind, ProductEvent{ProductID: 4, ProductType: "l3b"})
			Expect(err).To(BeNil())
			Eventually(w.Len).Should(Equal(2))

			messages, topics := w.Snapshot()
			Expect(topics).To(HaveEach("jobs"))
			Expect(messages[0].Kind).To(Equal(JobMessageKind))
			Expect(messages[0].Source).To(Equal(defaultSource))
			Expect(messages[0].ID).NotTo(BeEmpty())
			Expect(messages[1].Kind).To(Equal(ProductMessageKind))

			var pe ProductEvent
			Expect(json.Unmarshal(messages[1].Data, &pe)).To(BeNil())
			Expect(pe.ProductID).To(Equal(uint(4)))

			Expect(kp.Close()).To(BeNil())
			Expect(w.closed).To(BeTrue())
		})

		It("wraps non json bodies into a json string", func() {
			w := newTestWriter()
			kp := NewEventProducer(w, WithSource("test"))

			Expect(kp.Write(context.TODO(), JobMessageKind, bytes.NewReader([]byte("plain text")))).To(BeNil())
			Eventually(w.Len).Should(Equal(1))

			messages, _ := w.Snapshot()
			Expect(messages[0].Source).To(Equal("test"))
			Expect(string(messages[0].Data)).To(Equal(`"plain text"`))
			Expect(kp.Close()).To(BeNil())
		})
	})
})

type testwriter struct {
	lock     sync.Mutex
	messages []Message
	topics   []string
	closed   bool
}

func newTestWriter() *testwriter {
	return &testwriter{messages: []Message{}}
}

func (t *testwriter) Write(ctx context.Context, topic string, m Message) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.messages = append(t.messages, m)
	t.topics = append(t.topics, topic)
	return nil
}

func (t *testwriter) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.messages)
}

func (t *testwriter) Snapshot() ([]Message, []string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]Message{}, t.messages...), append([]string{}, t.topics...)
}

func (t *testwriter) Close(_ context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
	return nil
}

var _ = Describe("json lines writer", func() {
	It("writes one document per notification", func() {
		var out bytes.Buffer
		w := NewJSONLinesWriter(&out)

		Expect(w.Write(context.TODO(), "jobs", Message{ID: "1", Kind: JobMessageKind, Data: json.RawMessage(`{"job_id":1}`)})).To(Succeed())
		Expect(w.Write(context.TODO(), "jobs", Message{ID: "2", Kind: ProductMessageKind, Data: json.RawMessage(`{"product_id":2}`)})).To(Succeed())
		Expect(w.Close(context.TODO())).To(Succeed())

		lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
		Expect(lines).To(HaveLen(2))

		var doc map[string]any
		Expect(json.Unmarshal(lines[1], &doc)).To(Succeed())
		Expect(doc).To(HaveKeyWithValue("topic", "jobs"))
		Expect(doc).To(HaveKeyWithValue("kind", ProductMessageKind))
		Expect(doc["data"]).To(HaveKeyWithValue("product_id", BeNumerically("==", 2)))
	})
})
