package shadowsocks

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"testing"
)

func TestEvpBytesToKey(t *testing.T) {
	//16字节的key 就是 md5(password)
	sum := md5.Sum([]byte("foobar"))
	if !bytes.Equal(evpBytesToKey("foobar", 16), sum[:]) {
		t.Fail()
	}

	//长key 的前缀 与 短key 一致 (md5链的性质)
	k16 := evpBytesToKey("barbaz", 16)
	k32 := evpBytesToKey("barbaz", 32)
	if !bytes.Equal(k32[:16], k16) {
		t.Fail()
	}

	if !bytes.Equal(evpBytesToKey("x", 24), evpBytesToKey("x", 24)) {
		t.Fail()
	}
}

// 把 src 按 sizes 给出的长度切块, 依次过 x, 拼接产出.
func transformChunks(t *testing.T, x cryptoCtx, src []byte, sizes []int) []byte {
	t.Helper()
	var out []byte
	for len(src) > 0 {
		n := sizes[0]
		if len(sizes) > 1 {
			sizes = sizes[1:]
		}
		if n > len(src) {
			n = len(src)
		}
		dst := make([]byte, x.calcSize(n))
		got, err := x.transform(dst, src[:n])
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, dst[:got]...)
		src = src[n:]
	}
	return out
}

func TestStreamCtxRoundtrip(t *testing.T) {
	plain := make([]byte, 777)
	rand.Read(plain)

	for method, mi := range streamMethods {
		ciph, err := mi.new(evpBytesToKey("test-password", mi.keyLen))
		if err != nil {
			t.Fatal(method, err)
		}

		//各种切块方式: 整段、两半、逐字节(会把IV也切开)
		for _, sizes := range [][]int{{len(plain)}, {300, 477}, {1}} {
			e, err := newEncCtx(ciph)
			if err != nil {
				t.Fatal(method, err)
			}
			ct := transformChunks(t, e, plain, sizes)
			if len(ct) != len(plain)+ciph.IVSize() {
				t.Fatal(method, "unexpected ciphertext length", len(ct))
			}

			d := newDecCtx(ciph)
			got := transformChunks(t, d, ct, sizes)
			if !bytes.Equal(got, plain) {
				t.Fatal(method, "roundtrip mismatch with chunk sizes", sizes)
			}
		}
	}
}

// 空输入也是合法的一次变换: 加密侧只产出IV, 解密侧消费IV后无产出,
// 之后的正常数据不受影响.
func TestStreamCtxZeroLength(t *testing.T) {
	mi := streamMethods["aes-256-ctr"]
	ciph, _ := mi.new(evpBytesToKey("pw", mi.keyLen))

	e, err := newEncCtx(ciph)
	if err != nil {
		t.Fatal(err)
	}
	dst := make([]byte, e.calcSize(0))
	n, err := e.transform(dst, nil)
	if err != nil || n != ciph.IVSize() {
		t.Fatal("zero-length encrypt should emit exactly the iv", n, err)
	}

	d := newDecCtx(ciph)
	got, err := d.transform(make([]byte, len(dst)), dst[:n])
	if err != nil || got != 0 {
		t.Fatal("iv-only input should produce no plaintext", got, err)
	}

	//IV已经交换完, 常规数据继续走
	plain := []byte("after empty")
	ct := make([]byte, e.calcSize(len(plain)))
	cn, err := e.transform(ct, plain)
	if err != nil || cn != len(plain) {
		t.Fatal(cn, err)
	}
	out := make([]byte, cn)
	dn, err := d.transform(out, ct[:cn])
	if err != nil || !bytes.Equal(out[:dn], plain) {
		t.Fail()
	}
}

func TestDecCtxPartialIV(t *testing.T) {
	mi := streamMethods["aes-128-ctr"]
	ciph, _ := mi.new(evpBytesToKey("pw", mi.keyLen))

	e, err := newEncCtx(ciph)
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte("hello tunnel")
	ct := make([]byte, e.calcSize(len(plain)))
	n, _ := e.transform(ct, plain)
	ct = ct[:n]

	//IV没凑齐之前 不应有任何产出
	d := newDecCtx(ciph)
	dst := make([]byte, len(ct))
	for i := 0; i < ciph.IVSize(); i++ {
		got, err := d.transform(dst, ct[i:i+1])
		if err != nil || got != 0 {
			t.Fatal("produced output before iv complete", i, got, err)
		}
	}
	got, err := d.transform(dst, ct[ciph.IVSize():])
	if err != nil || !bytes.Equal(dst[:got], plain) {
		t.Fail()
	}
}

func TestCtxRelease(t *testing.T) {
	mi := streamMethods["rc4-md5"]
	ciph, _ := mi.new(evpBytesToKey("pw", mi.keyLen))

	e, err := newEncCtx(ciph)
	if err != nil {
		t.Fatal(err)
	}
	e.release()
	e.release() //幂等

	if _, err := e.transform(make([]byte, 32), []byte("x")); err == nil {
		t.Fail()
	}

	d := newDecCtx(ciph)
	d.release()
	if _, err := d.transform(make([]byte, 32), []byte("x")); err == nil {
		t.Fail()
	}
}
