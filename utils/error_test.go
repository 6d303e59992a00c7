package utils

import (
	"errors"
	"io"
	"testing"
)

func TestErrInErr(t *testing.T) {
	e := ErrInErr{ErrDesc: "outer", ErrDetail: io.EOF, Data: "extra"}

	if !errors.Is(e, io.EOF) {
		t.Fail()
	}
	if errors.Is(e, ErrInvalidData) {
		t.Fail()
	}
	if e.Error() == "" {
		t.Fail()
	}

	//嵌套也要能一路unwrap下去
	wrapped := ErrInErr{ErrDesc: "outermost", ErrDetail: e}
	if !errors.Is(wrapped, io.EOF) {
		t.Fail()
	}
}
