package batch

// Progress bands. Conversion fills [0, ConvertBand], archive assembly
// (ConvertBand, ArchiveBand], compression (ArchiveBand, Complete). Only the
// done event carries Complete.
const (
	ConvertBand = 85
	ArchiveBand = 95
	Complete    = 100

	// CompressedPercent is reported once the compressor returns and the
	// result is about to be handed over.
	CompressedPercent = 99
)

// ConvertPercent maps completed/total items into [0, ConvertBand].
func ConvertPercent(completed, total int) int {
	return band(0, ConvertBand, completed, total)
}

// ArchivePercent maps written/total archive entries into [ConvertBand, ArchiveBand].
func ArchivePercent(written, total int) int {
	return band(ConvertBand, ArchiveBand, written, total)
}

func band(lo, hi, done, total int) int {
	if total <= 0 || done >= total {
		return hi
	}
	if done <= 0 {
		return lo
	}
	return lo + done*(hi-lo)/total
}

// Meter filters a percent stream so it never decreases and never reaches
// Complete before Finish is called.
type Meter struct {
	last int
	seen bool
}

// Next returns the percent to report for p and whether it should be
// reported at all. Repeats of the last value are reported only when force
// is set, so callers can attach a new label to an unchanged percent.
func (m *Meter) Next(p int, force bool) (int, bool) {
	if p >= Complete {
		p = Complete - 1
	}
	if p < m.last {
		p = m.last
	}
	if m.seen && p == m.last && !force {
		return p, false
	}
	m.last = p
	m.seen = true
	return p, true
}

// Finish returns Complete.
func (m *Meter) Finish() int {
	m.last = Complete
	m.seen = true
	return Complete
}

// Last returns the most recent reported percent.
func (m *Meter) Last() int { return m.last }

// Reset clears the meter for a new batch.
func (m *Meter) Reset() { *m = Meter{} }
