package bridge

type fanoutResult struct {
	delivered int
	failed    int
}

// broadcast writes one frame to every occupied client slot, at most once and
// without waiting. A failed or short write is counted and logged; the slot is
// left open until its own read reports the close.
func (b *Bridge) broadcast(p []byte) fanoutResult {
	var res fanoutResult
	for slot := FirstClientSlot; slot < b.table.Len(); slot++ {
		c, ok := b.table.client(slot)
		if !ok {
			continue
		}

		n, err := c.ep.Write(p)
		if err == nil && n == len(p) {
			res.delivered++
			continue
		}

		res.failed++
		b.writeFailures++
		b.metrics.writeFailed()
		if b.warn.Allow() {
			b.log.Warn().
				Err(err).
				Int("slot", slot).
				Int("fd", c.ep.Fd()).
				Str("client", c.id).
				Int("wrote", n).
				Int("bytes", len(p)).
				Msg("short write to client")
		}
	}
	b.metrics.forwarded(res.delivered * len(p))
	return res
}
