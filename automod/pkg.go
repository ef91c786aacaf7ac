package automod

import (
	"github.com/veritas-labs/veritas/automod/countstore"
	"github.com/veritas-labs/veritas/automod/engine"
	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"
)

type Engine = engine.Engine
type EngineConfig = engine.Config
type ModerationRequest = engine.ModerationRequest
type Decision = engine.Decision
type RuleSpec = engine.RuleSpec
type Stats = engine.Stats

type Error = moderr.Error
type ErrorKind = moderr.Kind

var (
	OutcomeAllow  = models.OutcomeAllow
	OutcomeBlock  = models.OutcomeBlock
	OutcomeReview = models.OutcomeReview

	PeriodTotal = countstore.PeriodTotal
	PeriodDay   = countstore.PeriodDay
	PeriodHour  = countstore.PeriodHour
)
