package agent

// Personality-specific pipeline stages and scoring formulas. Each
// personality contributes its own stages between trust evaluation and the
// decision; the formulas and thresholds below are the documented operating
// points of the four variants.

// ============================================================================
// NEUTRAL
// ============================================================================

// neutralStages: assess_risk, check_compliance.
func (a *Agent) neutralStages(s *state) {
	// assess_risk
	c := s.req.Context
	if c.SessionDuration > 0 && c.SessionDuration < 60 {
		s.riskFactors = append(s.riskFactors, "unusually short session")
	}
	if c.AccessFrequency > 20 {
		s.riskFactors = append(s.riskFactors, "elevated access frequency")
	}
	s.note("risk assessment complete: %d risk factors", len(s.riskFactors))

	// check_compliance
	if !c.BusinessHours {
		s.complianceScore = 0.8
		s.note("access outside business hours")
	}
}

func (a *Agent) neutralDecide(s *state) {
	score := s.trust + 0.10*float64(len(s.accessFactors)) - 0.08*float64(len(s.riskFactors))
	s.note("neutral score %.3f (allow >= 0.60, deny <= 0.40)", score)

	switch {
	case score >= 0.60:
		s.outcome = OutcomeAllow
	case score <= 0.40:
		s.outcome = OutcomeDeny
	default:
		// Tie zone resolves to deny.
		s.outcome = OutcomeDeny
		s.note("score in tie zone; neutral resolves ties to deny")
	}
}

// ============================================================================
// PERMISSIVE
// ============================================================================

// permissiveStages: assess_usability, apply_flexibility, check_critical_risks.
func (a *Agent) permissiveStages(s *state) {
	c := s.req.Context

	// assess_usability
	s.uxScore = 25 * float64(c.VerifiedCount())
	if c.SessionDuration >= 300 && c.SessionDuration <= 7200 {
		s.uxScore += 20
	}
	if s.uxScore > 100 {
		s.uxScore = 100
	}
	s.note("usability score %.0f", s.uxScore)

	// apply_flexibility
	if s.req.TrustScore >= 30 && s.req.TrustScore < 60 {
		s.flexibility = append(s.flexibility, "trust leniency applied")
	}
	if missing := 4 - c.VerifiedCount(); missing > 0 && missing <= 2 {
		s.flexibility = append(s.flexibility, "partial verification accepted")
	}
	if s.req.TrustScore < 60 {
		s.monitoring = true
		s.note("enhanced monitoring recommended for reduced-trust grant")
	}

	// check_critical_risks
	if c.KeystrokesPerMinute > 500 {
		s.criticalRisks = append(s.criticalRisks, "impossible typing speed")
	}
	if s.req.TrustScore < 20 {
		s.criticalRisks = append(s.criticalRisks, "trust critically low")
	}
	if c.VerifiedCount() == 0 {
		s.criticalRisks = append(s.criticalRisks, "no context factor verified")
	}
	s.riskFactors = append(s.riskFactors, s.criticalRisks...)
}

func (a *Agent) permissiveDecide(s *state) {
	score := s.trust +
		0.15*float64(len(s.accessFactors)) +
		0.20*(s.uxScore/100) +
		0.10*float64(len(s.flexibility)) -
		0.05*float64(len(s.riskFactors))
	s.note("permissive score %.3f (allow >= 0.40, deny <= 0.20)", score)

	if len(s.criticalRisks) > 0 && score < 0.80 {
		s.outcome = OutcomeDeny
		s.note("critical risks present and score below 0.80; denying")
		return
	}

	switch {
	case score >= 0.40:
		s.outcome = OutcomeAllow
	case score <= 0.20:
		s.outcome = OutcomeDeny
	default:
		s.outcome = OutcomeAllowWithMonitoring
		s.monitoring = true
		s.note("tie zone resolves to allow with enhanced monitoring")
	}
}

// ============================================================================
// STRICT
// ============================================================================

// strictStages: verify_requirements, assess_threats, check_compliance,
// security_audit.
func (a *Agent) strictStages(s *state) {
	c := s.req.Context

	// verify_requirements: the mandatory gates. Any failure becomes a
	// violation that blocks ALLOW.
	if s.req.TrustScore < 60 {
		s.securityViolations = append(s.securityViolations, "trust below minimum")
	}
	if c.VerifiedCount() < 3 {
		s.securityViolations = append(s.securityViolations, "insufficient verifications")
	}
	if !c.DeviceVerified || !c.TimestampVerified {
		s.securityViolations = append(s.securityViolations, "required verification factor missing")
	}

	// assess_threats
	if c.KeystrokesPerMinute > 500 {
		s.threatIndicators = append(s.threatIndicators, "automated input speed")
	}
	if c.AccessFrequency > 20 {
		s.threatIndicators = append(s.threatIndicators, "abnormal access frequency")
	}
	if c.SessionDuration > 0 && c.SessionDuration < 30 {
		s.threatIndicators = append(s.threatIndicators, "hit-and-run session")
	}

	// check_compliance
	if !c.BusinessHours {
		s.complianceScore = 0.7
		s.riskFactors = append(s.riskFactors, "access outside business hours")
	}

	// security_audit
	s.securityScore = clamp01(1 - 0.25*float64(len(s.securityViolations)))
	s.note("security audit: %d violations, %d threat indicators",
		len(s.securityViolations), len(s.threatIndicators))
}

func (a *Agent) strictDecide(s *state) {
	// Hard overrides come before the formula.
	if len(s.securityViolations) > 0 {
		s.outcome = OutcomeDeny
		s.confidence = ConfidenceHigh
		s.note("security violation blocks access: %s", s.securityViolations[0])
		return
	}
	if len(s.threatIndicators) >= 2 {
		s.outcome = OutcomeDeny
		s.confidence = ConfidenceHigh
		s.note("multiple threat indicators; denying")
		return
	}
	if s.req.TrustScore < 60 {
		s.outcome = OutcomeDeny
		s.confidence = ConfidenceHigh
		s.note("trust below strict minimum; denying")
		return
	}

	score := 0.35*s.trust +
		0.30*s.securityScore +
		0.20*s.complianceScore +
		0.10*float64(len(s.accessFactors)) -
		0.10*float64(len(s.riskFactors)+len(s.threatIndicators))
	s.note("strict score %.3f (allow >= 0.80, deny <= 0.60)", score)

	switch {
	case score >= 0.80:
		s.outcome = OutcomeAllow
	case score <= 0.60:
		s.outcome = OutcomeDeny
	default:
		// Strict resolves the tie zone to deny.
		s.outcome = OutcomeDeny
		s.note("score in tie zone; strict resolves ties to deny")
	}
}

// makeDecision dispatches to the personality scoring formula.
func (a *Agent) makeDecision(s *state) {
	switch a.Type {
	case TypeNeutral:
		a.neutralDecide(s)
	case TypePermissive:
		a.permissiveDecide(s)
	case TypeStrict:
		a.strictDecide(s)
	case TypeWatchdog:
		a.watchdogDecide(s)
	}
}
