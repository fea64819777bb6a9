package link_test

import (
	"errors"
	"testing"

	"github.com/horus-robotics/horus/horuserr"
	"github.com/horus-robotics/horus/link"
	"github.com/horus-robotics/horus/shm"
)

func cleanup(t *testing.T, topic string) {
	t.Helper()
	t.Cleanup(func() {
		_ = shm.UnlinkByName("horus/links/" + topic)
	})
}

// TestLinkIPC mirrors the original Link's FIFO producer/consumer
// scenario: the first Open on a topic is the Producer, the second is
// the Consumer, and messages arrive in send order.
func TestLinkIPC(t *testing.T) {
	const topic = "test_link_ipc"
	cleanup(t, topic)

	producer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open producer: %v", err)
	}
	defer producer.Close()
	if producer.Role() != link.RoleProducer {
		t.Fatalf("first Open: got role %v, want Producer", producer.Role())
	}

	a, b := int32(42), int32(43)
	if err := producer.Send(&a); err != nil {
		t.Fatalf("Send(42): %v", err)
	}
	if err := producer.Send(&b); err != nil {
		t.Fatalf("Send(43): %v", err)
	}

	consumer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open consumer: %v", err)
	}
	defer consumer.Close()
	if consumer.Role() != link.RoleConsumer {
		t.Fatalf("second Open: got role %v, want Consumer", consumer.Role())
	}

	if v, err := consumer.TryRecv(); err != nil || v != 42 {
		t.Fatalf("TryRecv 1: got (%d, %v), want (42, nil)", v, err)
	}
	if v, err := consumer.TryRecv(); err != nil || v != 43 {
		t.Fatalf("TryRecv 2: got (%d, %v), want (43, nil)", v, err)
	}
	if _, err := consumer.TryRecv(); !errors.Is(err, horuserr.ErrWouldBlock) {
		t.Fatalf("TryRecv on empty: got %v, want ErrWouldBlock", err)
	}
}

// TestLinkFull exercises the ring-buffer-sacrifices-one-slot
// invariant: a link opened with capacity 1024 admits 1023 sends
// before returning ErrWouldBlock.
func TestLinkFull(t *testing.T) {
	const topic = "test_link_full"
	cleanup(t, topic)

	producer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open producer: %v", err)
	}
	defer producer.Close()

	consumer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open consumer: %v", err)
	}
	defer consumer.Close()

	for i := int32(0); i < 1023; i++ {
		if err := producer.Send(&i); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}

	overflow := int32(9999)
	if err := producer.Send(&overflow); !errors.Is(err, horuserr.ErrWouldBlock) {
		t.Fatalf("Send on full: got %v, want ErrWouldBlock", err)
	}

	if v, err := consumer.TryRecv(); err != nil || v != 0 {
		t.Fatalf("TryRecv after full: got (%d, %v), want (0, nil)", v, err)
	}
}

// TestLinkRoleExhausted confirms a third Open on a topic that already
// has a Producer and a Consumer is rejected.
func TestLinkRoleExhausted(t *testing.T) {
	const topic = "test_link_role_exhausted"
	cleanup(t, topic)

	producer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open producer: %v", err)
	}
	defer producer.Close()

	consumer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open consumer: %v", err)
	}
	defer consumer.Close()

	if _, err := link.Open[int32](topic, link.DefaultCapacity, nil); !errors.Is(err, horuserr.ErrRoleExhausted) {
		t.Fatalf("third Open: got %v, want ErrRoleExhausted", err)
	}
}

// TestLinkLayoutMismatch confirms that attaching with a different
// element type than the topic was created with is rejected rather
// than silently reinterpreting bytes.
func TestLinkLayoutMismatch(t *testing.T) {
	const topic = "test_link_layout_mismatch"
	cleanup(t, topic)

	producer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open producer: %v", err)
	}
	defer producer.Close()

	if _, err := link.Open[int64](topic, link.DefaultCapacity, nil); !errors.Is(err, horuserr.ErrLayoutMismatch) {
		t.Fatalf("mismatched Open: got %v, want ErrLayoutMismatch", err)
	}
}

// TestLinkZeroSizedElement rejects a zero-sized element type up front,
// since a ring of such elements would carry no information and give
// producer and consumer nothing to size slot storage on.
func TestLinkZeroSizedElement(t *testing.T) {
	const topic = "test_link_zero_sized"
	cleanup(t, topic)

	if _, err := link.Open[struct{}](topic, link.DefaultCapacity, nil); err == nil {
		t.Fatalf("Open with zero-sized element type: expected an error, got nil")
	}
}

// TestLinkLoan exercises the zero-copy Loan/Commit path as an
// alternative to Send.
func TestLinkLoan(t *testing.T) {
	const topic = "test_link_loan"
	cleanup(t, topic)

	producer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open producer: %v", err)
	}
	defer producer.Close()

	consumer, err := link.Open[int32](topic, link.DefaultCapacity, nil)
	if err != nil {
		t.Fatalf("Open consumer: %v", err)
	}
	defer consumer.Close()

	sample, err := producer.Loan()
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	sample.Write(7)
	sample.Commit()

	if v, err := consumer.TryRecv(); err != nil || v != 7 {
		t.Fatalf("TryRecv after Loan/Commit: got (%d, %v), want (7, nil)", v, err)
	}
}
