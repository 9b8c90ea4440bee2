package keyengine

import "io"

// RandomAccessStream is the minimal random-access surface a cipher stream
// wraps: reads/writes at an absolute offset, plus a declared size so the
// stream knows where plaintext/ciphertext ends.
type RandomAccessStream interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
}

// CTRStream wraps a base stream of ciphertext with a CTRCipher so that
// every read/write at absolute offset o recomputes the keystream for
// block o/16 and handles partial head/tail blocks (spec §4.2).
type CTRStream struct {
	base   RandomAccessStream
	cipher *CTRCipher
	cursor int64
}

// CreateCTRIO wraps base in a CTR cipher stream (spec §4.2).
func (e *Engine) CreateCTRIO(slot Slot, base RandomAccessStream, ctr [16]byte) (*CTRStream, error) {
	c, err := e.CreateCTRCipher(slot, ctr)
	if err != nil {
		return nil, err
	}
	return &CTRStream{base: base, cipher: c}, nil
}

func (s *CTRStream) Size() int64 { return s.base.Size() }

func (s *CTRStream) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.base.Size() {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > s.base.Size() {
		n = s.base.Size() - off
	}
	raw := make([]byte, n)
	read, err := s.base.ReadAt(raw, off)
	if err != nil && err != io.EOF {
		return 0, err
	}
	raw = raw[:read]

	for i, b := range raw {
		absOff := off + int64(i)
		blockIdx := uint64(absOff / 16)
		within := int(absOff % 16)
		ks := s.cipher.KeystreamBlock(blockIdx)
		p[i] = b ^ ks[within]
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

func (s *CTRStream) WriteAt(p []byte, off int64) (int, error) {
	if off >= s.base.Size() {
		return len(p), nil
	}
	n := int64(len(p))
	if off+n > s.base.Size() {
		n = s.base.Size() - off
	}
	cipherBuf := make([]byte, n)
	for i := int64(0); i < n; i++ {
		absOff := off + i
		blockIdx := uint64(absOff / 16)
		within := int(absOff % 16)
		ks := s.cipher.KeystreamBlock(blockIdx)
		cipherBuf[i] = p[i] ^ ks[within]
	}
	if _, err := s.base.WriteAt(cipherBuf, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *CTRStream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.cursor)
	s.cursor += int64(n)
	return n, err
}

func (s *CTRStream) Write(p []byte) (int, error) {
	n, err := s.WriteAt(p, s.cursor)
	s.cursor += int64(n)
	return n, err
}

func (s *CTRStream) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.cursor + offset
	case io.SeekEnd:
		target = s.Size() + offset
	}
	s.cursor = target
	return target, nil
}

func (s *CTRStream) Close() error { return nil }

// CBCStream wraps a base stream of ciphertext with a CBC cipher under
// slot's KeyNormal. Reads are seekable: a random-access read at block i
// re-fetches the preceding 16 bytes of ciphertext (or the stream's
// initial IV, for block 0) to recover the chaining value. Writes are
// only well-defined block-aligned: a partial-block write would otherwise
// need to re-derive the plaintext of the following block, which this
// stream does not attempt (spec §4.2).
type CBCStream struct {
	base   RandomAccessStream
	cbc    *CBCCipher
	iv0    [16]byte
	cursor int64
}

// CreateCBCIO wraps base in a CBC cipher stream with initial IV iv (spec §4.2).
func (e *Engine) CreateCBCIO(slot Slot, base RandomAccessStream, iv [16]byte) (*CBCStream, error) {
	c, err := e.CreateCBCCipher(slot, iv)
	if err != nil {
		return nil, err
	}
	return &CBCStream{base: base, cbc: c, iv0: iv}, nil
}

func (s *CBCStream) Size() int64 { return s.base.Size() }

// chainingValue returns the ciphertext block immediately preceding
// absolute block index blockIdx, or the stream's initial IV if
// blockIdx==0.
func (s *CBCStream) chainingValue(blockIdx int64) ([16]byte, error) {
	if blockIdx == 0 {
		return s.iv0, nil
	}
	var prev [16]byte
	_, err := s.base.ReadAt(prev[:], (blockIdx-1)*16)
	if err != nil && err != io.EOF {
		return prev, err
	}
	return prev, nil
}

func (s *CBCStream) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.base.Size() {
		return 0, io.EOF
	}
	blockStart := off / 16
	blockEndIncl := (off + int64(len(p)) - 1) / 16
	if blockEndIncl < blockStart {
		blockEndIncl = blockStart
	}
	alignedOff := blockStart * 16
	alignedLen := (blockEndIncl - blockStart + 1) * 16
	if alignedOff+alignedLen > s.base.Size() {
		alignedLen = s.base.Size() - alignedOff
		// Round up to a full block for the decrypter; the base stream
		// clamps reads past its own end.
		if alignedLen%16 != 0 {
			alignedLen += 16 - alignedLen%16
		}
	}
	cipherBuf := make([]byte, alignedLen)
	read, err := s.base.ReadAt(cipherBuf, alignedOff)
	if err != nil && err != io.EOF {
		return 0, err
	}
	cipherBuf = cipherBuf[:read-(read%16)]
	if len(cipherBuf) == 0 {
		return 0, io.EOF
	}

	iv, err := s.chainingValue(blockStart)
	if err != nil {
		return 0, err
	}
	plain := make([]byte, len(cipherBuf))
	tmp := &CBCCipher{block: s.cbc.block, iv: iv}
	tmp.Decrypt(plain, cipherBuf)

	within := off - alignedOff
	n := copy(p, plain[within:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt re-encrypts a block-aligned run of plaintext. off and len(p)
// must both be multiples of 16; any non-aligned remainder is discarded,
// matching the sub-view contract's "writes past declared size are
// silently discarded" idiom.
func (s *CBCStream) WriteAt(p []byte, off int64) (int, error) {
	if off%16 != 0 {
		return 0, nil
	}
	n := len(p) - len(p)%16
	if n == 0 {
		return 0, nil
	}
	blockIdx := off / 16
	iv, err := s.chainingValue(blockIdx)
	if err != nil {
		return 0, err
	}
	cipherBuf := make([]byte, n)
	tmp := &CBCCipher{block: s.cbc.block, iv: iv}
	tmp.Encrypt(cipherBuf, p[:n])
	if _, err := s.base.WriteAt(cipherBuf, off); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *CBCStream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.cursor)
	s.cursor += int64(n)
	return n, err
}

func (s *CBCStream) Write(p []byte) (int, error) {
	n, err := s.WriteAt(p, s.cursor)
	s.cursor += int64(n)
	return n, err
}

func (s *CBCStream) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.cursor + offset
	case io.SeekEnd:
		target = s.Size() + offset
	}
	s.cursor = target
	return target, nil
}

func (s *CBCStream) Close() error { return nil }
