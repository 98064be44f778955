package queue

// Redis layout for one tenant t under prefix p:
//
//	p:t:wait       list, LPUSH on add, popped from the right
//	p:t:active     list of jobs a worker has taken
//	p:t:delayed    zset of retries, score = due unix millis
//	p:t:leases     zset of active jobs, score = lease deadline unix millis
//	p:t:job:{id}   hash holding the job record
//	p:tenants      set of every tenant that ever received a job
type keys struct {
	prefix string
	tenant string
}

func (k keys) base() string { return k.prefix + ":" + k.tenant + ":" }

func (k keys) wait() string    { return k.base() + "wait" }
func (k keys) active() string  { return k.base() + "active" }
func (k keys) delayed() string { return k.base() + "delayed" }
func (k keys) leases() string  { return k.base() + "leases" }

func (k keys) job(id string) string { return k.base() + "job:" + id }

func tenantsKey(prefix string) string { return prefix + ":tenants" }
