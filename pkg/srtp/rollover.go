package srtp

// rocTracker estimates the 48-bit SRTP packet index (ROC<<16 | seq)
// from a stream of 16-bit RTP sequence numbers, per the rollover-
// counter guess of RFC 3711 Appendix A: a numeric drop of more than half
// the sequence space means the counter wrapped since the last packet we
// saw (ROC+1), a numeric rise of more than half means this packet
// belongs to the ROC before our current guess (ROC-1). Used for both outbound
// (sequence strictly monotonic, so the wrap case is the only one that
// ever fires) and inbound (where ordinary reordering must not be
// mistaken for a wrap).
type rocTracker struct {
	initialized bool
	roc         uint32
	highestSeq  uint16
}

// index returns the 48-bit packet index for seq and advances the
// tracker's notion of "highest seen" when seq extends it.
func (t *rocTracker) index(seq uint16) uint64 {
	if !t.initialized {
		t.initialized = true
		t.highestSeq = seq
		return uint64(seq)
	}

	delta := int32(seq) - int32(t.highestSeq)
	guessROC := t.roc
	switch {
	case delta > 0 && delta < 1<<15:
		// ordinary forward progress, same ROC
	case delta <= -(1 << 15):
		// large backward jump: seq is ahead of a ROC we haven't
		// observed advancing yet
		guessROC = t.roc + 1
	case delta >= 1<<15:
		// large forward jump interpreted as this packet trailing a
		// wrap we already crossed
		if t.roc > 0 {
			guessROC = t.roc - 1
		}
	default:
		// ordinary backward jump (reordering), same ROC
	}

	idx := uint64(guessROC)<<16 | uint64(seq)
	if guessROC > t.roc || (guessROC == t.roc && seqGreater(seq, t.highestSeq)) {
		t.roc = guessROC
		t.highestSeq = seq
	}
	return idx
}

func seqGreater(a, b uint16) bool {
	return int16(a-b) > 0
}
