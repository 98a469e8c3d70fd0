package risk_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/risk"
	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

var _ = Describe("Risk model", func() {
	var calib risk.Calibration

	BeforeEach(func() {
		calib = risk.DefaultCalibration()
	})

	reading := func(water, piezo, rain float64) telemetry.SensorReading {
		return telemetry.SensorReading{NodeID: "N1", UltrasonicValue: water, PiezoValue: piezo, RainSensorValue: rain}
	}

	Describe("Classify", func() {
		DescribeTable("boundaries are inclusive on the lower end",
			func(p float64, want risk.Level) {
				Expect(risk.Classify(p)).To(Equal(want))
			},
			Entry("0", 0.0, risk.LevelLow),
			Entry("24.999", 24.999, risk.LevelLow),
			Entry("25", 25.0, risk.LevelModerate),
			Entry("49.999", 49.999, risk.LevelModerate),
			Entry("50", 50.0, risk.LevelHigh),
			Entry("74.999", 74.999, risk.LevelHigh),
			Entry("75", 75.0, risk.LevelCritical),
			Entry("100", 100.0, risk.LevelCritical),
		)
	})

	Describe("Score", func() {
		It("should map water height piecewise through the thresholds", func() {
			Expect(calib.Score(reading(0, 0, 0)).Water).To(Equal(0.0))
			Expect(calib.Score(reading(25, 0, 0)).Water).To(BeNumerically("~", 25, 1e-9))
			Expect(calib.Score(reading(50, 0, 0)).Water).To(BeNumerically("~", 50, 1e-9))
			Expect(calib.Score(reading(65, 0, 0)).Water).To(BeNumerically("~", 75, 1e-9))
			Expect(calib.Score(reading(80, 0, 0)).Water).To(Equal(100.0))
			Expect(calib.Score(reading(500, 0, 0)).Water).To(Equal(100.0))
		})

		It("should clamp out-of-range inputs instead of failing", func() {
			s := calib.Score(reading(-5, 5000, 1e9))
			Expect(s.Water).To(Equal(0.0))
			Expect(s.Piezo).To(Equal(100.0))
			Expect(s.Rain).To(Equal(100.0))
		})

		It("should invert the rain score for dry-high sensors", func() {
			calib.RainPolarity = risk.RainDryHigh
			Expect(calib.Score(reading(0, 0, 100)).Rain).To(Equal(0.0))
			Expect(calib.Score(reading(0, 0, 20)).Rain).To(BeNumerically("~", 80, 1e-9))
		})
	})

	Describe("Fallback", func() {
		It("should keep the percentage within bounds and consistent with the level", func() {
			for _, w := range []float64{0, 30, 55, 79, 80, 200} {
				for _, p := range []float64{0, 400, 1023, 3000} {
					for _, r := range []float64{0, 50, 100} {
						a := risk.Fallback(reading(w, p, r), nil, calib)
						Expect(a.Percentage).To(BeNumerically(">=", 0))
						Expect(a.Percentage).To(BeNumerically("<=", 100))
						Expect(a.Level).To(Equal(risk.Classify(a.Percentage)))
						Expect(a.Source).To(Equal(risk.SourceFallback))
						Expect(a.RecommendedActions).NotTo(BeEmpty())
					}
				}
			}
		})

		It("should floor the score at the water weight when the danger threshold is reached", func() {
			a := risk.Fallback(reading(80, 0, 0), nil, calib)
			Expect(a.Percentage).To(BeNumerically(">=", 40))
			Expect(a.WaterStatus).To(Equal(risk.WaterDanger))
		})

		It("should score the reference flood reading as critical", func() {
			a := risk.Fallback(reading(85, 900, 50), nil, calib)
			want := 0.4*100 + 0.3*(900.0/1023*100) + 0.3*50
			Expect(a.Percentage).To(BeNumerically("~", want, 1e-9))
			Expect(a.Level).To(Equal(risk.LevelCritical))
			Expect(a.WaterStatus).To(Equal(risk.WaterDanger))
			Expect(a.RainIntensity).To(Equal(risk.RainModerate))
			Expect(a.RecommendedActions[0]).To(Equal("IMMEDIATE EVACUATION REQUIRED"))
		})

		It("should be deterministic", func() {
			r := reading(42, 317, 12)
			Expect(risk.Fallback(r, nil, calib)).To(Equal(risk.Fallback(r, nil, calib)))
		})

		It("should not let history change the score", func() {
			r := reading(42, 317, 12)
			history := []telemetry.SensorReading{reading(10, 0, 0), reading(20, 0, 0)}
			without := risk.Fallback(r, nil, calib)
			with := risk.Fallback(r, history, calib)
			Expect(with.Percentage).To(Equal(without.Percentage))
			Expect(with.Trend).To(Equal(risk.TrendRisingRapidly))
			Expect(history).To(HaveLen(2))
		})

		It("should treat NaN as zero", func() {
			a := risk.Fallback(reading(math.NaN(), math.NaN(), math.NaN()), nil, calib)
			Expect(a.Percentage).To(Equal(0.0))
			Expect(a.Level).To(Equal(risk.LevelLow))
		})
	})

	Describe("WaterStatus", func() {
		DescribeTable("classifies against the thresholds",
			func(cm float64, want risk.WaterStatus) {
				Expect(calib.WaterStatus(cm)).To(Equal(want))
			},
			Entry("below warning", 49.9, risk.WaterNormal),
			Entry("at warning", 50.0, risk.WaterWarning),
			Entry("at danger", 80.0, risk.WaterDanger),
		)
	})

	Describe("Calibration.Validate", func() {
		It("should accept the defaults", func() {
			Expect(calib.Validate()).To(Succeed())
		})

		It("should reject inverted thresholds", func() {
			calib.WaterDangerCM = calib.WaterWarningCM
			Expect(calib.Validate()).To(MatchError(ContainSubstring("danger")))
		})

		It("should reject an unknown polarity", func() {
			calib.RainPolarity = "sideways"
			Expect(calib.Validate()).To(MatchError(ContainSubstring("polarity")))
		})
	})

	Describe("TrendOf", func() {
		levels := func(vs ...float64) []telemetry.SensorReading {
			out := make([]telemetry.SensorReading, len(vs))
			for i, v := range vs {
				out[i] = reading(v, 0, 0)
			}
			return out
		}

		DescribeTable("direction of change",
			func(in []telemetry.SensorReading, want risk.Trend) {
				Expect(risk.TrendOf(in)).To(Equal(want))
			},
			Entry("single point", levels(10), risk.TrendInsufficient),
			Entry("flat", levels(10, 11, 12), risk.TrendStable),
			Entry("rising", levels(10, 12, 15), risk.TrendRising),
			Entry("rising rapidly", levels(10, 30), risk.TrendRisingRapidly),
			Entry("falling", levels(20, 15), risk.TrendFalling),
			Entry("falling rapidly", levels(40, 10), risk.TrendFallingRapidly),
			Entry("only the last ten points count", levels(0, 50, 50, 50, 50, 50, 50, 50, 50, 50, 51), risk.TrendStable),
		)
	})
})
