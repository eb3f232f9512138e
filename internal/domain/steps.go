package domain

type Step string

const (
	StepInformationAnalysis      Step = "information_analysis"
	StepKnowledgeSearchComplete  Step = "info_agent_knowledge_search_complete"
	StepDisruptionSearchComplete Step = "info_agent_disruption_search_complete"
	StepInfoAnalysisComplete     Step = "info_agent_analysis_complete"
	StepRouteOptimization        Step = "route_optimization"
	StepRoutesGenerated          Step = "route_agent_routes_generated"
	StepCostsAnalyzed            Step = "route_agent_costs_analyzed"
	StepRisksAssessed            Step = "route_agent_risks_assessed"
	StepOptimizationComplete     Step = "route_agent_optimization_complete"
)

// Steps is the pipeline order. A task only ever moves forward by one.
var Steps = []Step{
	StepInformationAnalysis,
	StepKnowledgeSearchComplete,
	StepDisruptionSearchComplete,
	StepInfoAnalysisComplete,
	StepRouteOptimization,
	StepRoutesGenerated,
	StepCostsAnalyzed,
	StepRisksAssessed,
	StepOptimizationComplete,
}

// Index returns the position of s in Steps, or -1.
func (s Step) Index() int {
	for i, st := range Steps {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Step) Valid() bool { return s.Index() >= 0 }

// Next returns the step after s. The empty step precedes the first one.
func (s Step) Next() (Step, bool) {
	if s == "" {
		return Steps[0], true
	}
	i := s.Index()
	if i < 0 || i+1 >= len(Steps) {
		return "", false
	}
	return Steps[i+1], true
}

// Last reports whether s is the final pipeline step.
func (s Step) Last() bool {
	return s == Steps[len(Steps)-1]
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevels is the ordered risk scale, lowest first.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Rank returns the position on the risk scale; unknown levels rank as low.
func (r RiskLevel) Rank() int {
	for i, l := range RiskLevels {
		if l == r {
			return i
		}
	}
	return 0
}

func (r RiskLevel) Valid() bool {
	for _, l := range RiskLevels {
		if l == r {
			return true
		}
	}
	return false
}

// Weight maps a level to [0,1] along the scale.
func (r RiskLevel) Weight() float64 {
	return float64(r.Rank()) / float64(len(RiskLevels)-1)
}

// RiskFromRank clips rank into the scale.
func RiskFromRank(rank int) RiskLevel {
	if rank < 0 {
		rank = 0
	}
	if rank >= len(RiskLevels) {
		rank = len(RiskLevels) - 1
	}
	return RiskLevels[rank]
}

func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
