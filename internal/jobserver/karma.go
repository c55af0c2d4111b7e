package jobserver

// adjustKarma handles the karma command: a completing job adjusts karma
// +points for the worker's hostname and -points for its own, paired so
// the sum across the cluster stays roughly constant.
func (m *Matchmaker) adjustKarma(fromHostname, toHostname string, points float64) {
	m.mu.Lock()
	m.karmaByHostname[toHostname] += points
	m.karmaByHostname[fromHostname] -= points
	toVal := m.karmaByHostname[toHostname]
	fromVal := m.karmaByHostname[fromHostname]
	m.mu.Unlock()

	if m.opts.KarmaMirror != nil {
		m.opts.KarmaMirror.Set(toHostname, toVal)
		m.opts.KarmaMirror.Set(fromHostname, fromVal)
	}
	m.recordAudit("karma_adjusted", map[string]string{
		"from_hostname": fromHostname,
		"to_hostname":   toHostname,
	})
	m.markStatsDirty()
}
