package bus

import "testing"

func TestPublish_SubscriptionOrder(t *testing.T) {
	b := New()
	topic := NewTopic[int]("n")
	var got []string
	Subscribe(b, topic, func(n int) { got = append(got, "a") })
	Subscribe(b, topic, func(n int) { got = append(got, "b") })
	Subscribe(b, NewTopic[int]("other"), func(n int) { got = append(got, "x") })

	Publish(b, topic, 1)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got=%v want [a b]", got)
	}
}

func TestPublish_UnsubscribeDuringPublish(t *testing.T) {
	b := New()
	topic := NewTopic[string]("s")
	calls := map[string]int{}

	var unsubB func()
	Subscribe(b, topic, func(string) {
		calls["a"]++
		unsubB()
	})
	unsubB = Subscribe(b, topic, func(string) { calls["b"]++ })
	Subscribe(b, topic, func(string) { calls["c"]++ })

	Publish(b, topic, "first")
	// b was registered at publish time, so it still sees the in-flight payload.
	if calls["a"] != 1 || calls["b"] != 1 || calls["c"] != 1 {
		t.Fatalf("first publish calls=%v", calls)
	}
	Publish(b, topic, "second")
	if calls["a"] != 2 || calls["b"] != 1 || calls["c"] != 2 {
		t.Fatalf("second publish calls=%v", calls)
	}
	unsubB()
	if n := b.Subscribers("s"); n != 2 {
		t.Fatalf("subscribers=%d want 2", n)
	}
}

func TestPublish_SubscribeDuringPublish(t *testing.T) {
	b := New()
	topic := NewTopic[int]("n")
	late := 0
	Subscribe(b, topic, func(int) {
		Subscribe(b, topic, func(int) { late++ })
	})
	Publish(b, topic, 1)
	if late != 0 {
		t.Fatalf("subscriber added mid-publish must not see that payload")
	}
	Publish(b, topic, 2)
	if late != 1 {
		t.Fatalf("late=%d want 1", late)
	}
}

func TestPublish_SameNameDifferentPayloadTypes(t *testing.T) {
	b := New()
	ints := NewTopic[int]("shared")
	strs := NewTopic[string]("shared")
	var gotInt int
	var gotStr string
	Subscribe(b, ints, func(n int) { gotInt = n })
	Subscribe(b, strs, func(s string) { gotStr = s })

	Publish(b, ints, 7)
	Publish(b, strs, "x")
	if gotInt != 7 || gotStr != "x" {
		t.Fatalf("int=%d str=%q want 7 %q", gotInt, gotStr, "x")
	}
	if n := b.Subscribers("shared"); n != 2 {
		t.Fatalf("subscribers=%d want 2", n)
	}
}
