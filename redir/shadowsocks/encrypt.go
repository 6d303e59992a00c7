package shadowsocks

import (
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"io"

	"github.com/shadowsocks/go-shadowsocks2/shadowstream"

	"github.com/e1732a364fed/redsocks_simple/redir"
	"github.com/e1732a364fed/redsocks_simple/utils"
)

type methodInfo struct {
	keyLen int
	new    func(key []byte) (shadowstream.Cipher, error)
}

// 本包只支持 经典的 stream cipher 方法. AEAD 方法不在范围内.
var streamMethods = map[string]methodInfo{
	"aes-128-ctr":   {16, shadowstream.AESCTR},
	"aes-192-ctr":   {24, shadowstream.AESCTR},
	"aes-256-ctr":   {32, shadowstream.AESCTR},
	"aes-128-cfb":   {16, shadowstream.AESCFB},
	"aes-192-cfb":   {24, shadowstream.AESCFB},
	"aes-256-cfb":   {32, shadowstream.AESCFB},
	"chacha20-ietf": {32, shadowstream.Chacha20IETF},
	"xchacha20":     {32, shadowstream.Xchacha20},
	"rc4-md5":       {16, newRC4MD5},
}

// evpBytesToKey 是原版shadowsocks的密钥派生 (openssl EVP_BytesToKey, md5链).
func evpBytesToKey(password string, keyLen int) []byte {
	var b, prev []byte
	h := md5.New()
	for len(b) < keyLen {
		h.Write(prev)
		h.Write([]byte(password))
		b = h.Sum(b)
		prev = b[len(b)-h.Size():]
		h.Reset()
	}
	return b[:keyLen]
}

//rc4-md5: 每连接用 md5(key+iv) 重新key一个rc4流. go-shadowsocks2 没有提供这个
//老方法, 但它只是对标准库 rc4 的一种keying方式.
type rc4Md5 struct{ key []byte }

func newRC4MD5(key []byte) (shadowstream.Cipher, error) {
	return &rc4Md5{key: key}, nil
}

func (c *rc4Md5) IVSize() int { return 16 }

func (c *rc4Md5) makeStream(iv []byte) cipher.Stream {
	h := md5.New()
	h.Write(c.key)
	h.Write(iv)
	rc, _ := rc4.NewCipher(h.Sum(nil))
	return rc
}

func (c *rc4Md5) Encrypter(iv []byte) cipher.Stream { return c.makeStream(iv) }
func (c *rc4Md5) Decrypter(iv []byte) cipher.Stream { return c.makeStream(iv) }

// cryptoCtx 是绑定到 一个连接的一个方向 的流加密上下文.
// 一旦初始化, 内部流状态随每次 transform 前进, 不可回退, 也不可并发使用.
type cryptoCtx interface {
	//n字节输入的最坏情况输出大小
	calcSize(n int) int

	//就地变换src到dst, 返回实际产出长度. dst 的长度不小于 calcSize(len(src)).
	transform(dst, src []byte) (int, error)

	//释放上下文. 幂等.
	release()
}

// streamCtx 实现 cryptoCtx.
// 加密侧在首次 transform 时 把IV作为密文前缀一起产出;
// 解密侧先从输入中积累对端的IV, 凑齐后才建立解密流.
type streamCtx struct {
	ciph      shadowstream.Cipher
	stream    cipher.Stream
	pendingIV []byte //加密侧: 尚未随密文发出的IV
	ivBuf     []byte //解密侧: 已积累的对端IV字节
	decrypt   bool
	released  bool
}

func newEncCtx(ciph shadowstream.Cipher) (*streamCtx, error) {
	iv := make([]byte, ciph.IVSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "read random iv failed", ErrDetail: err}
	}
	return &streamCtx{ciph: ciph, stream: ciph.Encrypter(iv), pendingIV: iv}, nil
}

func newDecCtx(ciph shadowstream.Cipher) *streamCtx {
	return &streamCtx{ciph: ciph, decrypt: true}
}

func (x *streamCtx) calcSize(n int) int {
	if x.decrypt {
		return n
	}
	return n + len(x.pendingIV)
}

func (x *streamCtx) transform(dst, src []byte) (int, error) {
	if x.released {
		if x.decrypt {
			return 0, redir.ErrDecrypt
		}
		return 0, redir.ErrEncrypt
	}

	if x.decrypt {
		if x.stream == nil {
			need := x.ciph.IVSize() - len(x.ivBuf)
			if need > len(src) {
				need = len(src)
			}
			x.ivBuf = append(x.ivBuf, src[:need]...)
			src = src[need:]
			if len(x.ivBuf) < x.ciph.IVSize() {
				return 0, nil
			}
			x.stream = x.ciph.Decrypter(x.ivBuf)
		}
		x.stream.XORKeyStream(dst[:len(src)], src)
		return len(src), nil
	}

	n := 0
	if len(x.pendingIV) > 0 {
		n = copy(dst, x.pendingIV)
		x.pendingIV = nil
	}
	x.stream.XORKeyStream(dst[n:n+len(src)], src)
	return n + len(src), nil
}

func (x *streamCtx) release() {
	if x.released {
		return
	}
	x.released = true
	x.stream = nil
	x.ciph = nil
	x.pendingIV = nil
	x.ivBuf = nil
}
