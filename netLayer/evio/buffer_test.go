package evio

import (
	"bytes"
	"testing"
)

func TestBufferWriteDrain(t *testing.T) {
	var q Buffer

	q.Write([]byte("hello"))
	q.Write([]byte("world"))

	if q.Len() != 10 || q.SegCount() != 2 {
		t.Fail()
	}
	if !bytes.Equal(q.Contiguous(), []byte("hello")) {
		t.Fail()
	}

	//跨段排空
	q.Drain(7)
	if q.Len() != 3 || !bytes.Equal(q.Contiguous(), []byte("rld")) {
		t.Fail()
	}

	//超出队列长度时清空
	q.Drain(100)
	if q.Len() != 0 || q.Contiguous() != nil {
		t.Fail()
	}
}

func TestBufferReserveCommit(t *testing.T) {
	var q Buffer

	b := q.Reserve(16)
	if len(b) != 16 {
		t.FailNow()
	}
	copy(b, "abcdef")
	q.Commit(6)

	if q.Len() != 6 || !bytes.Equal(q.Contiguous(), []byte("abcdef")) {
		t.Fail()
	}

	//预留的空间在提交前不属于队列
	b = q.Reserve(8)
	copy(b, "ignored!")
	if q.Len() != 6 {
		t.Fail()
	}
	q.Commit(0) //丢弃
	if q.Len() != 6 || !bytes.Equal(q.Contiguous(), []byte("abcdef")) {
		t.Fail()
	}
}

func TestBufferAdopt(t *testing.T) {
	var q Buffer

	q.adopt([]byte("one"))
	q.adopt([]byte("two"))
	if q.Len() != 6 || q.SegCount() != 2 {
		t.Fail()
	}
	if !bytes.Equal(q.Contiguous(), []byte("one")) {
		t.Fail()
	}
	q.Drain(3)
	if !bytes.Equal(q.Contiguous(), []byte("two")) {
		t.Fail()
	}
}
