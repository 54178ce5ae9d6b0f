package toolbox

// TranslationSet is a set of virtual page numbers laid out for
// efficient memory use and access.
type TranslationSet struct {
	// m is a 5-level radix structure consuming 10 bits of the
	// virtual page number per level, most-significant first.
	//
	// The bottom level is a bitmap, with one bit per page.
	m [1 << 10]*[1 << 10]*[1 << 10]*[1 << 10]*[(1 << 10) / 8]uint8
}

// Add adds a new virtual page to the TranslationSet.
//
// Returns true on success. That is, if the page
// was not already present in the set.
func (t *TranslationSet) Add(vpn uint64) bool {
	l1 := &t.m[(vpn>>40)&0x3ff]
	if *l1 == nil {
		*l1 = new([1 << 10]*[1 << 10]*[1 << 10]*[(1 << 10) / 8]uint8)
	}
	l2 := &((*l1)[(vpn>>30)&0x3ff])
	if *l2 == nil {
		*l2 = new([1 << 10]*[1 << 10]*[(1 << 10) / 8]uint8)
	}
	l3 := &((*l2)[(vpn>>20)&0x3ff])
	if *l3 == nil {
		*l3 = new([1 << 10]*[(1 << 10) / 8]uint8)
	}
	l4 := &((*l3)[(vpn>>10)&0x3ff])
	if *l4 == nil {
		*l4 = new([(1 << 10) / 8]uint8)
	}
	c := *l4
	i := vpn & 0x3ff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if c[idx]&mask != 0 {
		return false
	}
	c[idx] |= mask
	return true
}

// Remove removes a virtual page from the TranslationSet.
//
// Returns true on success. That is, if the page
// was present in the set.
func (t *TranslationSet) Remove(vpn uint64) bool {
	l1 := t.m[(vpn>>40)&0x3ff]
	if l1 == nil {
		return false
	}
	l2 := l1[(vpn>>30)&0x3ff]
	if l2 == nil {
		return false
	}
	l3 := l2[(vpn>>20)&0x3ff]
	if l3 == nil {
		return false
	}
	l4 := l3[(vpn>>10)&0x3ff]
	if l4 == nil {
		return false
	}
	i := vpn & 0x3ff
	mask := uint8(1) << (i % 8)
	idx := i / 8
	if l4[idx]&mask == 0 {
		return false
	}
	l4[idx] &^= mask
	return true
}

// Contains reports whether a virtual page is in the TranslationSet.
func (t *TranslationSet) Contains(vpn uint64) bool {
	l1 := t.m[(vpn>>40)&0x3ff]
	if l1 == nil {
		return false
	}
	l2 := l1[(vpn>>30)&0x3ff]
	if l2 == nil {
		return false
	}
	l3 := l2[(vpn>>20)&0x3ff]
	if l3 == nil {
		return false
	}
	l4 := l3[(vpn>>10)&0x3ff]
	if l4 == nil {
		return false
	}
	i := vpn & 0x3ff
	return l4[i/8]&(uint8(1)<<(i%8)) != 0
}
