// Package client is the Go SDK for the twinguard device API.
//
// A Client talks to one daemon. Read calls need no credentials; LogAction
// and Refresh need a bearer token whose subject is on the device allow-list:
//
//	c, err := client.New("http://robot.local:8088",
//	    client.WithBearerToken(token),
//	    client.WithCacheTTL(5*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ok, err := c.Check(ctx, "4Gz...")
//	res, err := c.LogAction(ctx, "brew", "done")
//
// Non-2xx answers are returned as *APIError so callers can branch on the
// status code:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
//	    // not on the allow-list
//	}
package client
