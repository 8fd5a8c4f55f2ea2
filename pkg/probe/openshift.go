package probe

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"al.essio.dev/pkg/shellescape"
	corev1 "k8s.io/api/core/v1"

	"github.com/NavarchProject/clustercheck/pkg/retry"
)

const (
	podsCmd      = "oc get pods -o json"
	podsTableCmd = "oc get pods"
)

// DefaultSystemPodPatterns match the generated names of the registry and
// router pods OpenShift starts once its deployers can reach the master.
var DefaultSystemPodPatterns = []string{`docker-registry-([0-9]+)-`, `router-([0-9]+)-`}

func decodePods(lines []string) (*corev1.PodList, error) {
	var pods corev1.PodList
	if err := json.Unmarshal([]byte(joinOutput(lines)), &pods); err != nil {
		return nil, fmt.Errorf("unable to decode pod information: %w", err)
	}
	return &pods, nil
}

// SystemPods polls until, for each pattern, a Running pod whose generated
// name starts with a match exists.
func SystemPods(c Commander, patterns []string, policy retry.Policy) (Result, error) {
	const name = "system-pods"

	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			return fail(name, fmt.Sprintf("invalid pod pattern %q: %v", p, err)), nil
		}
		res = append(res, re)
	}

	out, err := retry.Poll(policy, func() ([]string, bool, error) {
		stdout, _, err := c.Run(podsCmd, false)
		if err != nil {
			return nil, false, err
		}
		pods, err := decodePods(stdout)
		if err != nil {
			return []string{err.Error()}, false, nil
		}

		var running []string
		for _, pod := range pods.Items {
			if pod.Status.Phase != corev1.PodRunning {
				continue
			}
			if pod.GenerateName != "" {
				running = append(running, pod.GenerateName)
			}
		}

		var absent []string
		for i, re := range res {
			if !anyMatch(re, running) {
				absent = append(absent, patterns[i])
			}
		}
		return absent, len(absent) == 0, nil
	})
	if err != nil {
		return Result{}, err
	}
	if out.OK {
		return pass(name), nil
	}

	details := []string{"system pods not running: " + strings.Join(out.Value, ", ")}
	stdout, _, err := c.Run(podsTableCmd, false)
	if err != nil {
		return Result{}, err
	}
	details = append(details, indent("  ", stdout)...)
	return fail(name, details...), nil
}

func anyMatch(re *regexp.Regexp, names []string) bool {
	for _, n := range names {
		if re.MatchString(n) {
			return true
		}
	}
	return false
}

// Application describes the test application deployed at stage 5.
type Application struct {
	// Namespace holds the application pods.
	Namespace string

	// URL is fetched from the gateway through the cluster service route.
	URL string

	// Marker must appear in the response body.
	Marker string

	// HelperSuffixes identify build and deploy pods by name suffix.
	HelperSuffixes []string

	// MinRunning is the number of application pods that must be Running.
	MinRunning int
}

// DefaultApplication is the rails + postgresql example deployed by the
// installer's test stage.
func DefaultApplication() Application {
	return Application{
		Namespace:      "test",
		URL:            "http://rails-postgresql-example-test.router.default.svc.cluster.local:80/articles",
		Marker:         "Listing articles",
		HelperSuffixes: []string{"-build", "-deploy"},
		MinRunning:     2,
	}
}

// podCensus counts the pods of a namespace by role.
type podCensus struct {
	running int
	pending int
	helpers int
}

func (pc podCensus) String() string {
	return fmt.Sprintf("running=%d pending=%d build/deploy=%d", pc.running, pc.pending, pc.helpers)
}

// ApplicationStatus waits for the test application to deploy and then
// fetches it through the gateway.
//
// Stage A polls the namespace's pods under podPolicy. A Failed pod or an
// undecodable listing fails the probe at once. Stage A is done when nothing
// is Pending, no build/deploy pod is still running and at least MinRunning
// application pods run. Stage B then polls the URL from the gateway under
// httpPolicy until the body contains the marker.
func ApplicationStatus(master, gateway Commander, app Application, podPolicy, httpPolicy retry.Policy) (Result, error) {
	const name = "application-status"

	podsNSCmd := fmt.Sprintf("oc --namespace=%s get pods -o json", shellescape.Quote(app.Namespace))
	pods, err := retry.Poll(podPolicy, func() ([]string, bool, error) {
		stdout, stderr, err := master.Run(podsNSCmd, false)
		if err != nil {
			return nil, false, err
		}
		list, err := decodePods(stdout)
		if err != nil {
			return append([]string{err.Error()}, indent("  ", stderr)...), false, retry.ErrStop
		}

		var census podCensus
		for _, pod := range list.Items {
			switch pod.Status.Phase {
			case corev1.PodFailed:
				return []string{fmt.Sprintf("pod %s Failed", pod.Name)}, false, retry.ErrStop
			case corev1.PodRunning:
				if hasAnySuffix(pod.Name, app.HelperSuffixes) {
					census.helpers++
					continue
				}
				census.running++
			case corev1.PodPending:
				census.pending++
			}
		}
		done := census.pending == 0 && census.helpers == 0 && census.running >= app.MinRunning
		return []string{"application pods: " + census.String()}, done, nil
	})
	if err != nil {
		return Result{}, err
	}
	if !pods.OK {
		details := pods.Value
		if !pods.Stopped {
			details = append(details, fmt.Sprintf("deployment did not complete after %d checks", pods.Attempts))
		}
		return fail(name, details...), nil
	}

	fetchCmd := "no_proxy=* " + curlCmd(app.URL)
	type fetch struct{ stdout, stderr []string }
	page, err := retry.Poll(httpPolicy, func() (fetch, bool, error) {
		stdout, stderr, err := gateway.Run(fetchCmd, false)
		if err != nil {
			return fetch{}, false, err
		}
		for _, line := range stdout {
			if strings.Contains(line, app.Marker) {
				return fetch{stdout, stderr}, true, nil
			}
		}
		return fetch{stdout, stderr}, false, nil
	})
	if err != nil {
		return Result{}, err
	}
	if !page.OK {
		details := []string{fmt.Sprintf("%q not found at %s", app.Marker, app.URL), "application stdout:"}
		details = append(details, indent("  ", page.Value.stdout)...)
		details = append(details, "application stderr:")
		details = append(details, indent("  ", page.Value.stderr)...)
		return fail(name, details...), nil
	}
	return pass(name, "application OK"), nil
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
