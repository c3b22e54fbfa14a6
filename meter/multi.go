package meter

import relay "github.com/fixci/relay"

type multi []relay.Meter

// Multi fans every event out to each of meters in order. Nil meters are skipped.
func Multi(meters ...relay.Meter) relay.Meter {
	var m multi
	for _, mt := range meters {
		if mt != nil {
			m = append(m, mt)
		}
	}
	if len(m) == 0 {
		return relay.NoopMeter()
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) OnAttempt(e relay.AttemptEvent) {
	for _, mt := range m {
		mt.OnAttempt(e)
	}
}

func (m multi) OnResult(e relay.ResultEvent) {
	for _, mt := range m {
		mt.OnResult(e)
	}
}

func (m multi) OnAdmission(e relay.AdmissionEvent) {
	for _, mt := range m {
		mt.OnAdmission(e)
	}
}
