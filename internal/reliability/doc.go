// Package reliability holds the retry primitives shared by the adapter.
//
// ReconnectPolicy paces an activation's attempts to re-establish its
// connection after a failure. Breaker stops probing a broker that keeps
// refusing connections until a cooldown has passed:
//
//	b := NewBreaker(WithThreshold(3), WithCooldown(30*time.Second))
//	err := b.Execute(ctx, func() error {
//	    conn, err := factory.CreateConnection(ctx, "", "")
//	    if err != nil {
//	        return err
//	    }
//	    return conn.Close()
//	})
package reliability
