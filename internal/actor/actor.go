// Package actor hosts the three one-shot request processors: the synchronous
// loan actor and the asynchronous renew and return topic consumers. Actors
// never touch files; every mutation goes through the storage manager
// endpoint.
package actor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/wire"
)

// smCallTimeout bounds one round trip to the storage manager.
const smCallTimeout = 10 * time.Second

// SMCaller performs one request/reply exchange with the storage manager.
type SMCaller interface {
	Call(req model.SMRequest) (model.SMReply, error)
}

type smClient struct {
	client *wire.ReqClient
}

// NewSMClient returns an SMCaller connected to the storage manager endpoint.
func NewSMClient(addr string) SMCaller {
	return &smClient{client: wire.DialReq(addr)}
}

func (c *smClient) Call(req model.SMRequest) (model.SMReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return model.SMReply{}, fmt.Errorf("actor: encode request: %w", err)
	}
	raw, err := c.client.Do(payload, smCallTimeout)
	if err != nil {
		return model.SMReply{}, err
	}
	var reply model.SMReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return model.SMReply{}, fmt.Errorf("actor: decode reply: %w", err)
	}
	return reply, nil
}
