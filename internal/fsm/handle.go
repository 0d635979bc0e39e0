package fsm

import "github.com/route-beacon/bgp-speaker/internal/wire"

// Handle applies one event and returns the effects the session must
// execute, in order. It never performs I/O and never retries anything:
// failure paths end in idle with a disconnect effect.
func (f *FSM) Handle(ev Event) []Effect {
	switch f.State {
	case StateIdle:
		return f.handleIdle(ev)
	case StateConnect:
		return f.handleConnect(ev)
	case StateActive:
		return f.handleActive(ev)
	case StateOpenSent:
		return f.handleOpenSent(ev)
	case StateOpenConfirm:
		return f.handleOpenConfirm(ev)
	case StateEstablished:
		return f.handleEstablished(ev)
	}
	return nil
}

// enterIdle re-establishes the idle invariant: every timer non-running at
// zero, negotiated state cleared. The caller emits the disconnect effect.
func (f *FSM) enterIdle() {
	f.State = StateIdle
	for i := range f.Timers {
		f.Timers[i].zero()
	}
	f.FourOctetASN = false
	f.ExtendedMessage = false
	f.IBGP = false
	f.HoldTime = f.Cfg.HoldTime
	f.delayOpen = false
}

func (f *FSM) bump() {
	f.Counters[CounterConnectRetry]++
}

func (f *FSM) handleIdle(ev Event) []Effect {
	start, ok := ev.(StartEvent)
	if !ok {
		// Stops and everything else are ignored in idle.
		return nil
	}
	f.Counters[CounterConnectRetry] = 0
	f.Timers[TimerConnectRetry].Restart(f.Cfg.ConnectRetry)
	f.delayOpen = f.Cfg.DelayOpenEnabled
	if start.Passive {
		f.State = StateActive
		return nil
	}
	f.State = StateConnect
	return []Effect{ConnectEffect{}}
}

// sendOpen moves to open_sent: the hold timer is armed at the configured
// value until the peer OPEN negotiates it down.
func (f *FSM) sendOpen() []Effect {
	f.Timers[TimerConnectRetry].zero()
	f.Timers[TimerDelayOpen].zero()
	f.Timers[TimerHoldTime].Restart(f.Cfg.HoldTime)
	f.State = StateOpenSent
	return []Effect{SendEffect{Msg: f.buildOpen()}}
}

// openReceived integrates a peer OPEN and arms the negotiated timers. The
// keepalive period is a third of the effective hold time; a zero hold time
// leaves both timers off (infinite).
func (f *FSM) openReceived(o *wire.Open, alsoSendOpen bool) []Effect {
	f.integrateOpen(o)
	f.Timers[TimerConnectRetry].zero()
	f.Timers[TimerDelayOpen].zero()
	if f.HoldTime > 0 {
		f.Timers[TimerHoldTime].Restart(f.HoldTime)
		f.Timers[TimerKeepalive].Restart(f.keepaliveSeconds())
	} else {
		f.Timers[TimerHoldTime].zero()
		f.Timers[TimerKeepalive].zero()
	}
	f.State = StateOpenConfirm

	var effects []Effect
	if alsoSendOpen {
		effects = append(effects, SendEffect{Msg: f.buildOpen()})
	}
	return append(effects, SendEffect{Msg: wire.Keepalive{}})
}

func (f *FSM) keepaliveSeconds() uint16 {
	return f.HoldTime / 3
}

func (f *FSM) handleConnect(ev Event) []Effect {
	switch e := ev.(type) {
	case StartEvent:
		return nil

	case StopEvent:
		if e.Manual {
			var effects []Effect
			if f.DelayOpenRunning() && f.Cfg.NotificationWithoutOpen {
				effects = append(effects, SendEffect{Msg: &wire.Notification{Code: wire.ErrCease, Subcode: wire.SubAdministrativeShutdown}})
			}
			f.Counters[CounterConnectRetry] = 0
			f.enterIdle()
			return append(effects, DisconnectEffect{})
		}
		return nil

	case TimerEvent:
		if e.Name == TimerConnectRetry {
			f.Timers[TimerConnectRetry].Restart(f.Cfg.ConnectRetry)
			f.Timers[TimerDelayOpen].zero()
			f.delayOpen = false
			return []Effect{ConnectEffect{}}
		}
		if e.Name == TimerDelayOpen {
			return f.sendOpen()
		}
		return f.fallThrough()

	case TCPEvent:
		switch e.Kind {
		case TCPConfirmed, TCPRequestAcked:
			if f.delayOpen {
				f.Timers[TimerConnectRetry].zero()
				f.Timers[TimerDelayOpen].Restart(f.Cfg.DelayOpen)
				return nil
			}
			return f.sendOpen()
		case TCPFails:
			if f.DelayOpenRunning() {
				f.Timers[TimerConnectRetry].Restart(f.Cfg.ConnectRetry)
				f.Timers[TimerDelayOpen].zero()
				f.State = StateActive
				return nil
			}
			f.enterIdle()
			return []Effect{DisconnectEffect{}}
		}
		return f.fallThrough()

	case RecvEvent:
		switch m := e.Msg.(type) {
		case *wire.Open:
			if f.DelayOpenRunning() {
				return f.openReceived(m, true)
			}
		case *wire.Notification:
			if m.Code == wire.ErrOpenMessage && m.Subcode == wire.SubUnsupportedVersionNumber {
				// The counter moves only when delay_open was not in play.
				if !f.DelayOpenRunning() {
					f.bump()
				}
				f.enterIdle()
				return []Effect{DisconnectEffect{}}
			}
		}
		return f.fallThrough()

	case ProtocolErrorEvent:
		return f.protocolError(e.Err)
	}
	return f.fallThrough()
}

// fallThrough is the catch-all transition for connect and active: release
// everything, count the failed attempt, go idle.
func (f *FSM) fallThrough() []Effect {
	f.bump()
	f.enterIdle()
	return []Effect{DisconnectEffect{}}
}

func (f *FSM) protocolError(err *wire.ProtocolError) []Effect {
	f.bump()
	f.enterIdle()
	return []Effect{
		SendEffect{Msg: err.Notification()},
		DisconnectEffect{},
	}
}

func (f *FSM) handleActive(ev Event) []Effect {
	switch e := ev.(type) {
	case StartEvent:
		return nil

	case StopEvent:
		if e.Manual {
			var effects []Effect
			if f.DelayOpenRunning() && f.Cfg.NotificationWithoutOpen {
				effects = append(effects, SendEffect{Msg: &wire.Notification{Code: wire.ErrCease, Subcode: wire.SubAdministrativeShutdown}})
			}
			f.Counters[CounterConnectRetry] = 0
			f.enterIdle()
			return append(effects, DisconnectEffect{})
		}
		return nil

	case TimerEvent:
		if e.Name == TimerConnectRetry {
			f.Timers[TimerConnectRetry].Restart(f.Cfg.ConnectRetry)
			f.State = StateConnect
			return []Effect{ConnectEffect{}}
		}
		if e.Name == TimerDelayOpen {
			return f.sendOpen()
		}
		return f.fallThrough()

	case TCPEvent:
		switch e.Kind {
		case TCPConfirmed, TCPRequestAcked:
			if f.delayOpen {
				f.Timers[TimerConnectRetry].zero()
				f.Timers[TimerDelayOpen].Restart(f.Cfg.DelayOpen)
				return nil
			}
			return f.sendOpen()
		case TCPFails:
			f.Timers[TimerConnectRetry].Restart(f.Cfg.ConnectRetry)
			f.bump()
			f.enterIdle()
			return []Effect{DisconnectEffect{}}
		}
		return f.fallThrough()

	case RecvEvent:
		switch m := e.Msg.(type) {
		case *wire.Open:
			if f.DelayOpenRunning() {
				return f.openReceived(m, true)
			}
		case *wire.Notification:
			if m.Code == wire.ErrOpenMessage && m.Subcode == wire.SubUnsupportedVersionNumber {
				if !f.DelayOpenRunning() {
					f.bump()
				}
				f.enterIdle()
				return []Effect{DisconnectEffect{}}
			}
		}
		return f.fallThrough()

	case ProtocolErrorEvent:
		return f.protocolError(e.Err)
	}
	return f.fallThrough()
}

func (f *FSM) handleOpenSent(ev Event) []Effect {
	switch e := ev.(type) {
	case StartEvent:
		return nil

	case StopEvent:
		if e.Manual {
			f.Counters[CounterConnectRetry] = 0
			f.enterIdle()
			return []Effect{
				SendEffect{Msg: &wire.Notification{Code: wire.ErrCease, Subcode: wire.SubAdministrativeShutdown}},
				DisconnectEffect{},
			}
		}
		return nil

	case TimerEvent:
		if e.Name == TimerHoldTime {
			return f.holdTimerExpired()
		}
		return f.unexpected(wire.SubUnexpectedMessageInOpenSent)

	case TCPEvent:
		if e.Kind == TCPFails {
			// Half-open connection: retreat to active and wait for the
			// peer or the retry timer.
			f.Timers[TimerConnectRetry].Restart(f.Cfg.ConnectRetry)
			f.Timers[TimerHoldTime].zero()
			f.State = StateActive
			return []Effect{DisconnectEffect{}}
		}
		return f.unexpected(wire.SubUnexpectedMessageInOpenSent)

	case RecvEvent:
		switch m := e.Msg.(type) {
		case *wire.Open:
			return f.openReceived(m, false)
		case *wire.Notification:
			if m.Code == wire.ErrOpenMessage && m.Subcode == wire.SubUnsupportedVersionNumber {
				f.enterIdle()
				return []Effect{DisconnectEffect{}}
			}
			f.bump()
			f.enterIdle()
			return []Effect{DisconnectEffect{}}
		}
		return f.unexpected(wire.SubUnexpectedMessageInOpenSent)

	case CollisionDumpEvent:
		return f.collisionDump()

	case ProtocolErrorEvent:
		return f.protocolError(e.Err)
	}
	return f.unexpected(wire.SubUnexpectedMessageInOpenSent)
}

func (f *FSM) holdTimerExpired() []Effect {
	f.bump()
	f.enterIdle()
	return []Effect{
		SendEffect{Msg: &wire.Notification{Code: wire.ErrHoldTimerExpired}},
		DisconnectEffect{},
	}
}

func (f *FSM) unexpected(subcode uint8) []Effect {
	f.bump()
	f.enterIdle()
	return []Effect{
		SendEffect{Msg: &wire.Notification{Code: wire.ErrFSM, Subcode: subcode}},
		DisconnectEffect{},
	}
}

func (f *FSM) collisionDump() []Effect {
	f.bump()
	f.enterIdle()
	return []Effect{
		SendEffect{Msg: &wire.Notification{Code: wire.ErrCease, Subcode: wire.SubConnectionCollisionResolution}},
		DisconnectEffect{},
	}
}

func (f *FSM) handleOpenConfirm(ev Event) []Effect {
	switch e := ev.(type) {
	case StartEvent:
		return nil

	case StopEvent:
		if e.Manual {
			f.Counters[CounterConnectRetry] = 0
			f.enterIdle()
			return []Effect{
				SendEffect{Msg: &wire.Notification{Code: wire.ErrCease, Subcode: wire.SubAdministrativeShutdown}},
				DisconnectEffect{},
			}
		}
		return nil

	case TimerEvent:
		switch e.Name {
		case TimerHoldTime:
			return f.holdTimerExpired()
		case TimerKeepalive:
			f.Timers[TimerKeepalive].Restart(f.keepaliveSeconds())
			return []Effect{SendEffect{Msg: wire.Keepalive{}}}
		}
		return f.unexpected(wire.SubUnexpectedMessageInOpenConfirm)

	case TCPEvent:
		if e.Kind == TCPFails {
			f.bump()
			f.enterIdle()
			return []Effect{DisconnectEffect{}}
		}
		return f.unexpected(wire.SubUnexpectedMessageInOpenConfirm)

	case RecvEvent:
		switch m := e.Msg.(type) {
		case wire.Keepalive:
			return f.enterEstablished()
		case *wire.Open:
			// A second OPEN here is the collision losing path.
			return f.collisionDump()
		case *wire.Notification:
			if m.Code == wire.ErrOpenMessage && m.Subcode == wire.SubUnsupportedVersionNumber {
				f.enterIdle()
				return []Effect{DisconnectEffect{}}
			}
			f.bump()
			f.enterIdle()
			return []Effect{DisconnectEffect{}}
		}
		return f.unexpected(wire.SubUnexpectedMessageInOpenConfirm)

	case CollisionDumpEvent:
		return f.collisionDump()

	case ProtocolErrorEvent:
		return f.protocolError(e.Err)
	}
	return f.unexpected(wire.SubUnexpectedMessageInOpenConfirm)
}

func (f *FSM) enterEstablished() []Effect {
	f.State = StateEstablished
	if f.HoldTime > 0 {
		f.Timers[TimerHoldTime].Restart(f.HoldTime)
	}
	f.Timers[TimerASOrigination].Restart(f.Cfg.ASOrigination)
	f.Timers[TimerRouteAdvertisement].Restart(f.Cfg.RouteAdvertisement)

	if len(f.Cfg.Networks) == 0 {
		return nil
	}
	return []Effect{SendEffect{Msg: f.originationUpdate()}}
}

func (f *FSM) handleEstablished(ev Event) []Effect {
	switch e := ev.(type) {
	case StartEvent:
		return nil

	case StopEvent:
		if e.Manual {
			f.Counters[CounterConnectRetry] = 0
			f.enterIdle()
			return []Effect{
				SendEffect{Msg: &wire.Notification{Code: wire.ErrCease, Subcode: wire.SubAdministrativeShutdown}},
				DisconnectEffect{},
			}
		}
		return nil

	case TimerEvent:
		switch e.Name {
		case TimerHoldTime:
			return f.holdTimerExpired()
		case TimerKeepalive:
			if f.HoldTime > 0 {
				f.Timers[TimerKeepalive].Restart(f.keepaliveSeconds())
			}
			return []Effect{SendEffect{Msg: wire.Keepalive{}}}
		case TimerASOrigination:
			f.Timers[TimerASOrigination].Restart(f.Cfg.ASOrigination)
			if len(f.Cfg.Networks) == 0 {
				return nil
			}
			return []Effect{SendEffect{Msg: f.originationUpdate()}}
		case TimerRouteAdvertisement:
			// The session polls Adj-RIB-Out on this tick; the machine only
			// keeps the clock running.
			f.Timers[TimerRouteAdvertisement].Restart(f.Cfg.RouteAdvertisement)
			return nil
		}
		return f.unexpected(wire.SubUnexpectedMessageInEstablished)

	case TCPEvent:
		if e.Kind == TCPFails {
			f.bump()
			f.enterIdle()
			return []Effect{DisconnectEffect{}}
		}
		return f.unexpected(wire.SubUnexpectedMessageInEstablished)

	case RecvEvent:
		switch e.Msg.(type) {
		case wire.Keepalive:
			if f.HoldTime > 0 {
				f.Timers[TimerHoldTime].Restart(f.HoldTime)
			}
			return nil
		case *wire.Update:
			if f.HoldTime > 0 {
				f.Timers[TimerHoldTime].Restart(f.HoldTime)
			}
			return []Effect{DeliverEffect{Msg: e.Msg}}
		case *wire.RouteRefresh:
			if f.HoldTime > 0 {
				f.Timers[TimerHoldTime].Restart(f.HoldTime)
			}
			return []Effect{DeliverEffect{Msg: e.Msg}}
		case *wire.Open:
			return f.collisionDump()
		case *wire.Notification:
			f.bump()
			f.enterIdle()
			return []Effect{DisconnectEffect{}}
		}
		return f.unexpected(wire.SubUnexpectedMessageInEstablished)

	case CollisionDumpEvent:
		return f.collisionDump()

	case ProtocolErrorEvent:
		return f.protocolError(e.Err)
	}
	return f.unexpected(wire.SubUnexpectedMessageInEstablished)
}
