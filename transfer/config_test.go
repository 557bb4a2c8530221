package transfer

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/tinyrpc/rpcstack/status"
)

func Test120_config_setters_reject_out_of_range_values(t *testing.T) {
	cv.Convey("Given a default Config", t, func() {
		cfg := DefaultConfig()

		cv.Convey("SetExtendWindowDivisor(1) is rejected", func() {
			err := cfg.SetExtendWindowDivisor(1)
			cv.So(status.Is(err, status.InvalidArgument), cv.ShouldBeTrue)
		})

		cv.Convey("SetMaxRetries(0) is rejected", func() {
			err := cfg.SetMaxRetries(0)
			cv.So(status.Is(err, status.InvalidArgument), cv.ShouldBeTrue)
		})

		cv.Convey("SetMaxLifetimeRetries below the current MaxRetries is rejected", func() {
			cv.So(cfg.SetMaxRetries(5), cv.ShouldBeNil)
			err := cfg.SetMaxLifetimeRetries(4)
			cv.So(status.Is(err, status.InvalidArgument), cv.ShouldBeTrue)
		})

		cv.Convey("SetMaxRetries above the current MaxLifetimeRetries is rejected", func() {
			cv.So(cfg.SetMaxLifetimeRetries(4), cv.ShouldBeNil)
			err := cfg.SetMaxRetries(5)
			cv.So(status.Is(err, status.InvalidArgument), cv.ShouldBeTrue)
		})

		cv.Convey("SetDefaultProtocolVersion rejects an unrecognized version", func() {
			err := cfg.SetDefaultProtocolVersion(ProtocolVersion(99))
			cv.So(status.Is(err, status.InvalidArgument), cv.ShouldBeTrue)
		})

		cv.Convey("SetTimeout and SetInitialChunkTimeout reject non-positive durations", func() {
			cv.So(status.Is(cfg.SetTimeout(0), status.InvalidArgument), cv.ShouldBeTrue)
			cv.So(status.Is(cfg.SetInitialChunkTimeout(-time.Second), status.InvalidArgument), cv.ShouldBeTrue)
		})

		cv.Convey("valid values are accepted and stick", func() {
			cv.So(cfg.SetExtendWindowDivisor(4), cv.ShouldBeNil)
			cv.So(cfg.ExtendWindowDivisor, cv.ShouldEqual, uint32(4))
		})
	})
}
