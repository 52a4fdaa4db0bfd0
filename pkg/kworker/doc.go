// Package kworker provides a serialized Kafka worker client.
//
// A Worker owns its broker connections, a directory of partition leaders, and
// the coordinator for one consumer group. Every request (fetch, produce,
// offset commit and fetch, and the group join, sync, heartbeat and leave
// sequence) runs on the worker's single actor goroutine, one at a time, so
// correlation IDs are strictly sequential and no state is locked. Metadata
// and the group coordinator are refreshed periodically from the same
// goroutine.
//
// Protocol level failures are returned as error codes inside typed
// responses; use the responses' Err methods to convert them with kerr. Only
// transport failures and misuse (such as group requests on a worker with
// DisableConsumerGroup) are returned as Go errors.
//
// Streams layered on a worker pull batches from one partition until the
// partition has no new data or a fetch fails:
//
//	w, err := kworker.NewWorker(kworker.SeedBrokers("localhost:9092"))
//	if err != nil {
//		// handle err
//	}
//	defer w.Close()
//
//	st, _ := w.NewStream(kworker.StreamRequest{Topic: "foo", Offset: 0})
//	for batch := range st.All(ctx) {
//		for _, m := range batch {
//			fmt.Println(m.Offset, string(m.Value))
//		}
//	}
//
// Broker generations differ only in Capabilities, which pin the request
// versions a worker speaks.
package kworker
