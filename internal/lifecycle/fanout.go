package lifecycle

// Fanout replicates listener events to several sinks in order.
type Fanout []Listener

func (f Fanout) SessionCreated(s Session) {
	for _, l := range f {
		l.SessionCreated(s)
	}
}

func (f Fanout) MessageAppended(s Session, m Message) {
	for _, l := range f {
		l.MessageAppended(s, m)
	}
}

func (f Fanout) StateChanged(s Session, prev State) {
	for _, l := range f {
		l.StateChanged(s, prev)
	}
}

func (f Fanout) SessionRemoved(id string) {
	for _, l := range f {
		l.SessionRemoved(id)
	}
}
