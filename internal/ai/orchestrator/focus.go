package orchestrator

// Focus is either the main conversation (TaskID empty) or one task.
type Focus struct {
	TaskID string
}

func (f Focus) Main() bool { return f.TaskID == "" }

// activeOrder is the task ordering focus cycles over: live tasks while any
// exist, otherwise the finalized ones.
func (m *Machine) activeOrder() []string {
	if m.live != nil && len(m.live.Order) > 0 {
		return m.live.Order
	}
	return m.finalizedOrder
}

// FocusNext moves focus forward: main goes to the first task and the last
// task goes back to main.
func (m *Machine) FocusNext() Focus {
	order := m.activeOrder()
	switch idx := indexOf(order, m.focus.TaskID); {
	case len(order) == 0:
		m.focus = Focus{}
	case m.focus.Main():
		m.focus = Focus{TaskID: order[0]}
	case idx < 0:
		m.focus = Focus{TaskID: order[len(order)-1]}
	case idx == len(order)-1:
		m.focus = Focus{}
	default:
		m.focus = Focus{TaskID: order[idx+1]}
	}
	return m.focus
}

// FocusPrev moves focus backward: main goes to the last task and the first
// task goes back to main.
func (m *Machine) FocusPrev() Focus {
	order := m.activeOrder()
	switch idx := indexOf(order, m.focus.TaskID); {
	case len(order) == 0:
		m.focus = Focus{}
	case m.focus.Main():
		m.focus = Focus{TaskID: order[len(order)-1]}
	case idx < 0:
		m.focus = Focus{TaskID: order[len(order)-1]}
	case idx == 0:
		m.focus = Focus{}
	default:
		m.focus = Focus{TaskID: order[idx-1]}
	}
	return m.focus
}

// settleFocus returns focus to main when it names a task outside the active
// ordering.
func (m *Machine) settleFocus() {
	if !m.focus.Main() && indexOf(m.activeOrder(), m.focus.TaskID) < 0 {
		m.focus = Focus{}
	}
}

func indexOf(list []string, v string) int {
	if v == "" {
		return -1
	}
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
