package mirror

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	manifestDir        = "k8s"
	defaultPort        = 8080
	defaultPullSecret  = "registry-credentials"
	deploymentManifest = "deployment.yaml"
	serviceManifest    = "service.yaml"
	ingressManifest    = "ingress.yaml"
)

// ManifestSpec carries everything needed to generate or update the
// Kubernetes manifests for one application.
type ManifestSpec struct {
	AppName  string
	Image    string
	Replicas int
	Port     int
	Hostname string

	// PullSecret names the registry credential secret referenced by the
	// deployment. Empty uses the default.
	PullSecret string
}

func (s *ManifestSpec) withDefaults() ManifestSpec {
	out := *s
	if out.Port == 0 {
		out.Port = defaultPort
	}
	if out.Replicas == 0 {
		out.Replicas = 1
	}
	if out.PullSecret == "" {
		out.PullSecret = defaultPullSecret
	}
	return out
}

// EnsureManifests makes the checkout at dir deployable: existing
// manifests under k8s/ are updated in place (only the image reference
// and replica count are touched, every other field is preserved as
// written), missing ones are generated with defaults. Returns whether
// any file content changed.
func EnsureManifests(dir string, spec ManifestSpec) (bool, error) {
	s := spec.withDefaults()

	kdir := filepath.Join(dir, manifestDir)
	if err := os.MkdirAll(kdir, 0755); err != nil {
		return false, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	changed := false

	deployPath := filepath.Join(kdir, deploymentManifest)
	c, err := ensureFile(deployPath,
		func(data []byte) ([]byte, error) { return updateDeployment(data, s) },
		func() []byte { return generateDeployment(s) })
	if err != nil {
		return false, fmt.Errorf("deployment manifest: %w", err)
	}
	changed = changed || c

	svcPath := filepath.Join(kdir, serviceManifest)
	c, err = ensureFile(svcPath, nil, func() []byte { return generateService(s) })
	if err != nil {
		return false, fmt.Errorf("service manifest: %w", err)
	}
	changed = changed || c

	ingPath := filepath.Join(kdir, ingressManifest)
	c, err = ensureFile(ingPath, nil, func() []byte { return generateIngress(s) })
	if err != nil {
		return false, fmt.Errorf("ingress manifest: %w", err)
	}
	changed = changed || c

	return changed, nil
}

// ensureFile updates an existing file through update (nil means leave
// existing content alone) or writes generate output when absent.
func ensureFile(path string, update func([]byte) ([]byte, error), generate func() []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, err
		}
		if writeErr := os.WriteFile(path, generate(), 0644); writeErr != nil {
			return false, writeErr
		}
		return true, nil
	}

	if update == nil {
		return false, nil
	}

	updated, err := update(existing)
	if err != nil {
		return false, err
	}
	if string(updated) == string(existing) {
		return false, nil
	}
	if err := os.WriteFile(path, updated, 0644); err != nil {
		return false, err
	}
	return true, nil
}

// updateDeployment rewrites the image of the first container and the
// replica count in an existing deployment manifest. The document is
// edited through its node tree so field order, comments, and fields we
// do not understand survive the round trip.
func updateDeployment(data []byte, spec ManifestSpec) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse existing manifest: %w", err)
	}
	if len(doc.Content) == 0 {
		return generateDeployment(spec), nil
	}
	root := doc.Content[0]

	specNode := mapValue(root, "spec")
	if specNode == nil {
		return nil, fmt.Errorf("manifest has no spec section")
	}

	// Leave the file byte-identical when nothing would change, so the
	// caller can skip the commit. Re-serializing an untouched tree can
	// still reformat whitespace.
	replicasNode := mapValue(specNode, "replicas")
	imageNode := mapValue(mapValueFirst(findContainers(specNode)), "image")
	if replicasNode != nil && imageNode != nil &&
		replicasNode.Value == fmt.Sprintf("%d", spec.Replicas) &&
		imageNode.Value == spec.Image {
		return data, nil
	}

	if replicas := mapValue(specNode, "replicas"); replicas != nil {
		replicas.Value = fmt.Sprintf("%d", spec.Replicas)
		replicas.Tag = "!!int"
	}

	containers := findContainers(specNode)
	if containers == nil || len(containers.Content) == 0 {
		return nil, fmt.Errorf("manifest has no containers")
	}
	if image := mapValue(containers.Content[0], "image"); image != nil {
		image.Value = spec.Image
		image.Tag = "!!str"
	} else {
		return nil, fmt.Errorf("first container has no image field")
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return out, nil
}

// mapValue returns the value node for a key in a mapping node.
func mapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// mapValueFirst returns the first element of a sequence node.
func mapValueFirst(seq *yaml.Node) *yaml.Node {
	if seq == nil || seq.Kind != yaml.SequenceNode || len(seq.Content) == 0 {
		return nil
	}
	return seq.Content[0]
}

func findContainers(specNode *yaml.Node) *yaml.Node {
	template := mapValue(specNode, "template")
	podSpec := mapValue(template, "spec")
	return mapValue(podSpec, "containers")
}

// Generated manifests are plain formatted strings rather than
// marshalled maps so field order is stable across runs.

func generateDeployment(s ManifestSpec) []byte {
	return []byte(fmt.Sprintf(`apiVersion: apps/v1
kind: Deployment
metadata:
  name: %[1]s
  labels:
    app: %[1]s
spec:
  replicas: %[2]d
  selector:
    matchLabels:
      app: %[1]s
  template:
    metadata:
      labels:
        app: %[1]s
    spec:
      containers:
        - name: %[1]s
          image: %[3]s
          ports:
            - containerPort: %[4]d
      imagePullSecrets:
        - name: %[5]s
`, s.AppName, s.Replicas, s.Image, s.Port, s.PullSecret))
}

func generateService(s ManifestSpec) []byte {
	return []byte(fmt.Sprintf(`apiVersion: v1
kind: Service
metadata:
  name: %[1]s
spec:
  selector:
    app: %[1]s
  ports:
    - port: 80
      targetPort: %[2]d
`, s.AppName, s.Port))
}

func generateIngress(s ManifestSpec) []byte {
	return []byte(fmt.Sprintf(`apiVersion: networking.k8s.io/v1
kind: Ingress
metadata:
  name: %[1]s
spec:
  rules:
    - host: %[2]s
      http:
        paths:
          - path: /
            pathType: Prefix
            backend:
              service:
                name: %[1]s
                port:
                  number: 80
`, s.AppName, s.Hostname))
}
