package redisq

// Key layout, all under Cfg.KeyPrefix:
//   <p>:stream:<topic>   ready entries (stream + consumer group)
//   <p>:delayed:<topic>  delayed entries, scored by due unix millis
//   <p>:job:<id>         job record hash
//   <p>:status:<status>  set of job ids in that status
//   <p>:lock:<name>      leases

func (c *Client) streamKey(topic string) string { return c.Cfg.KeyPrefix + ":stream:" + topic }

func (c *Client) delayedKey(topic string) string { return c.Cfg.KeyPrefix + ":delayed:" + topic }

func (c *Client) jobKey(id string) string { return c.Cfg.KeyPrefix + ":job:" + id }

func (c *Client) statusKey(status string) string { return c.Cfg.KeyPrefix + ":status:" + status }

func (c *Client) lockKey(name string) string { return c.Cfg.KeyPrefix + ":lock:" + name }
