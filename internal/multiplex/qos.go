package multiplex

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

const unlimitedRate = 1<<63 - 1

// Valve throttles and counts the payload bytes of one connection.
// rx is from the client to the gateway, tx is from the gateway to the client.
type Valve struct {
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx int64
	tx int64
}

// MakeValve makes a Valve limited to the given rates in bytes per second. A rate <= 0 means unlimited
func MakeValve(rxRate, txRate int64) *Valve {
	v := &Valve{}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

func bucketOf(rate int64) *ratelimit.Bucket {
	if rate <= 0 {
		rate = unlimitedRate
	}
	return ratelimit.NewBucketWithRate(float64(rate), rate)
}

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(bucketOf(rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(bucketOf(rate)) }
func (v *Valve) rxWait(n int)         { v.rxtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) txWait(n int)         { v.txtb.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(&v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(&v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(&v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(&v.tx) }
func (v *Valve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(&v.rx, 0)
	tx := atomic.SwapInt64(&v.tx, 0)
	return rx, tx
}
