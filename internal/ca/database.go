package ca

import (
	"time"

	"go.uber.org/zap"

	"github.com/peppythegod/OTP-Reboot/internal/datagram"
	"github.com/peppythegod/OTP-Reboot/internal/dc"
	"github.com/peppythegod/OTP-Reboot/internal/types"
)

// DatabaseInterface correlates requests to the database server with their
// responses. It belongs to one client and runs entirely on that client's
// event loop; timers re-enter the loop through run.
type DatabaseInterface struct {
	uplink  *Uplink
	timeout time.Duration
	run     func(func())
	log     *zap.Logger

	nextContext uint32
	creates     map[uint32]*createRequest
	queries     map[uint32]*queryRequest
}

type createRequest struct {
	callback func(doID uint32)
	timer    *time.Timer
}

type queryRequest struct {
	class    *dc.Class
	callback func(class *dc.Class, fields map[string]any)
	timer    *time.Timer
}

func newDatabaseInterface(uplink *Uplink, timeout time.Duration, run func(func()), log *zap.Logger) *DatabaseInterface {
	return &DatabaseInterface{
		uplink:  uplink,
		timeout: timeout,
		run:     run,
		log:     log,
		creates: make(map[uint32]*createRequest),
		queries: make(map[uint32]*queryRequest),
	}
}

// CreateObject asks the database server to create an object of class with
// the given fields. The callback gets the new do_id, or zero on failure
// or timeout.
func (d *DatabaseInterface) CreateObject(sender uint64, class *dc.Class, fields map[string]any, callback func(doID uint32)) {
	context := d.allocContext()

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{types.DatabaseChannel}, sender, types.DatabaseCreateObject)
	w.AddUint32(context)
	w.AddUint16(class.Number)
	if err := class.PackFieldBlock(w, fields); err != nil {
		d.log.Error("create request pack failed", zap.String("class", class.Name), zap.Error(err))
		callback(0)
		return
	}

	d.creates[context] = &createRequest{
		callback: callback,
		timer:    d.expireAfter(context, true),
	}
	d.uplink.Send(w.Bytes())
}

// QueryObject fetches all fields of doID. The callback gets nil fields on
// failure or timeout.
func (d *DatabaseInterface) QueryObject(sender uint64, doID uint32, class *dc.Class, callback func(class *dc.Class, fields map[string]any)) {
	context := d.allocContext()

	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{types.DatabaseChannel}, sender, types.DatabaseObjectGetAll)
	w.AddUint32(context)
	w.AddUint32(doID)

	d.queries[context] = &queryRequest{
		class:    class,
		callback: callback,
		timer:    d.expireAfter(context, false),
	}
	d.uplink.Send(w.Bytes())
}

// UpdateObject writes fields of doID. Updates are fire-and-forget; the
// database server sends no acknowledgement for them.
func (d *DatabaseInterface) UpdateObject(sender uint64, doID uint32, class *dc.Class, fields map[string]any) {
	w := datagram.NewWriter()
	w.AddServerHeader([]uint64{types.DatabaseChannel}, sender, types.DatabaseObjectSetFields)
	w.AddUint32(doID)
	w.AddUint16(class.Number)
	if err := class.PackFieldBlock(w, fields); err != nil {
		d.log.Error("update request pack failed",
			zap.Uint32("do_id", doID), zap.String("class", class.Name), zap.Error(err))
		return
	}
	d.uplink.Send(w.Bytes())
}

// HandleDatagram consumes database responses. It reports whether msgType
// was a database message.
func (d *DatabaseInterface) HandleDatagram(msgType uint16, it *datagram.Iterator) bool {
	switch msgType {
	case types.DatabaseCreateObjectResp:
		context := it.ReadUint32()
		doID := it.ReadUint32()
		if it.Err() != nil {
			d.log.Warn("truncated create response")
			return true
		}
		req, ok := d.creates[context]
		if !ok {
			d.log.Debug("create response for unknown context", zap.Uint32("context", context))
			return true
		}
		delete(d.creates, context)
		req.timer.Stop()
		req.callback(doID)

	case types.DatabaseObjectGetAllResp:
		context := it.ReadUint32()
		found := it.ReadUint8()
		req, ok := d.queries[context]
		if !ok || it.Err() != nil {
			d.log.Debug("query response for unknown context", zap.Uint32("context", context))
			return true
		}
		delete(d.queries, context)
		req.timer.Stop()

		if found == 0 {
			req.callback(nil, nil)
			return true
		}
		classNumber := it.ReadUint16()
		if classNumber != req.class.Number {
			d.log.Warn("query response class mismatch",
				zap.Uint16("got", classNumber), zap.Uint16("want", req.class.Number))
			req.callback(nil, nil)
			return true
		}
		fields, err := req.class.UnpackFieldBlock(it)
		if err != nil {
			d.log.Warn("query response unpack failed", zap.Error(err))
			req.callback(nil, nil)
			return true
		}
		req.callback(req.class, fields)

	default:
		return false
	}
	return true
}

// Cancel stops all pending timers. Callbacks do not fire.
func (d *DatabaseInterface) Cancel() {
	for context, req := range d.creates {
		req.timer.Stop()
		delete(d.creates, context)
	}
	for context, req := range d.queries {
		req.timer.Stop()
		delete(d.queries, context)
	}
}

func (d *DatabaseInterface) allocContext() uint32 {
	d.nextContext++
	return d.nextContext
}

func (d *DatabaseInterface) expireAfter(context uint32, isCreate bool) *time.Timer {
	return time.AfterFunc(d.timeout, func() {
		d.run(func() {
			if isCreate {
				req, ok := d.creates[context]
				if !ok {
					return
				}
				delete(d.creates, context)
				d.log.Warn("database create timed out", zap.Uint32("context", context))
				req.callback(0)
				return
			}
			req, ok := d.queries[context]
			if !ok {
				return
			}
			delete(d.queries, context)
			d.log.Warn("database query timed out", zap.Uint32("context", context))
			req.callback(nil, nil)
		})
	})
}
