/*
Package flow moves variable-length payloads across a transport that only accepts small,
fixed-size writes, such as a GATT characteristic on a BLE link.

An [Engine] slices each payload into chunks no larger than the endpoint's maximum write size and
sends them one at a time. After each chunk it waits for the receiver to reply with a ready token
(by default the ASCII text "ready") on the inbound channel before writing the next one. Every
inbound buffer passes through [Engine.HandleInbound]: an exact token match advances the transfer,
anything else is surfaced as a [CharacteristicRead] event.

# Example

	receiver := loopback.NewReceiver([]byte(protocol.DefaultReadyToken))
	defer receiver.Close()
	engine, err := flow.NewEngine(receiver, flow.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer engine.Close()

	// The transport routes notifications into the engine.
	receiver.Attach(engine.HandleInbound)

	if err := engine.SendText(ctx, endpoint, "HELLO"); err != nil {
		panic(err)
	}
	for event := range engine.Events() {
		if done, ok := event.(flow.TransferComplete); ok {
			fmt.Printf("sent %d bytes to %s\n", done.Length, done.EndpointID)
			break
		}
	}

Only one transfer is active per endpoint. Sending again before a transfer completes abandons
it and emits [TransferAbandoned]. A receiver that never replies is detected by
[Config.StallTimeout].
*/
package flow
